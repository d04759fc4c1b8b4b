package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fiadopay/internal/logging"
)

func newTestPipeline(t *testing.T, opts Options) *Pipeline {
	t.Helper()
	opts.Logger = logging.Discard()
	p := New(opts)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p
}

func TestRunsSubmittedTasks(t *testing.T) {
	p := newTestPipeline(t, Options{Workers: 3})
	var wg sync.WaitGroup
	var ran atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		ok := p.Submit(Task{Kind: "test", Run: func(context.Context) error {
			defer wg.Done()
			ran.Add(1)
			return nil
		}})
		require.True(t, ok)
	}
	wg.Wait()
	assert.Equal(t, int32(20), ran.Load())
	require.Eventually(t, func() bool { return p.Stats().Completed == 20 }, time.Second, 5*time.Millisecond)
}

func TestSubmitDoesNotBlockOnBusyWorkers(t *testing.T) {
	p := newTestPipeline(t, Options{Workers: 1, PoolQueue: 1000})
	gate := make(chan struct{})
	defer close(gate)

	start := time.Now()
	for i := 0; i < 100; i++ {
		require.True(t, p.Submit(Task{Kind: "slow", Run: func(context.Context) error {
			<-gate
			return nil
		}}))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestSaturatedPoolDropsTasks(t *testing.T) {
	p := newTestPipeline(t, Options{Workers: 1, PoolQueue: 1})
	gate := make(chan struct{})
	for i := 0; i < 5; i++ {
		p.Submit(Task{Kind: "blocked", Run: func(context.Context) error {
			<-gate
			return nil
		}})
	}
	require.Eventually(t, func() bool {
		s := p.Stats()
		return s.Dispatched+s.Dropped == 5
	}, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, p.Stats().Dropped, int64(3))
	close(gate)
}

func TestFailingTasksDoNotKillWorker(t *testing.T) {
	p := newTestPipeline(t, Options{Workers: 1})
	done := make(chan struct{})
	p.Submit(Task{Kind: "panics", Run: func(context.Context) error { panic("boom") }})
	p.Submit(Task{Kind: "errors", Run: func(context.Context) error { return errors.New("nope") }})
	p.Submit(Task{Kind: "fine", Run: func(context.Context) error {
		close(done)
		return nil
	}})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive failing tasks")
	}
	require.Eventually(t, func() bool { return p.Stats().Failed == 2 }, time.Second, 5*time.Millisecond)
}

func TestSubmitRejectsNilBody(t *testing.T) {
	p := newTestPipeline(t, Options{})
	assert.False(t, p.Submit(Task{Kind: "empty"}))
}

func TestShutdownIsIdempotentOnEmptyQueue(t *testing.T) {
	p := New(Options{Logger: logging.Discard()})
	require.NoError(t, p.Shutdown(context.Background()))
	require.NoError(t, p.Shutdown(context.Background()))
	assert.False(t, p.Submit(Task{Kind: "late", Run: func(context.Context) error { return nil }}))
}

func TestShutdownWaitsForInFlightTasks(t *testing.T) {
	p := New(Options{Workers: 1, GracePeriod: time.Second, Logger: logging.Discard()})
	started := make(chan struct{})
	var finished atomic.Bool
	p.Submit(Task{Kind: "slow", Run: func(context.Context) error {
		close(started)
		time.Sleep(30 * time.Millisecond)
		finished.Store(true)
		return nil
	}})
	<-started
	require.NoError(t, p.Shutdown(context.Background()))
	assert.True(t, finished.Load())
}

func TestShutdownCancelsAfterGracePeriod(t *testing.T) {
	p := New(Options{Workers: 1, GracePeriod: 30 * time.Millisecond, Logger: logging.Discard()})
	started := make(chan struct{})
	cancelled := make(chan struct{})
	p.Submit(Task{Kind: "stuck", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}})
	<-started
	err := p.Shutdown(context.Background())
	require.ErrorIs(t, err, ErrShutdownTimeout)
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("in-flight task was not cancelled")
	}
}

func TestDrainWaitsForChainedTasks(t *testing.T) {
	p := newTestPipeline(t, Options{Workers: 2})
	var ran atomic.Int32
	require.True(t, p.Submit(Task{Kind: "parent", Run: func(context.Context) error {
		time.Sleep(20 * time.Millisecond)
		ran.Add(1)
		p.Submit(Task{Kind: "child", Run: func(context.Context) error {
			time.Sleep(20 * time.Millisecond)
			ran.Add(1)
			return nil
		}})
		return nil
	}}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Drain(ctx))
	assert.Equal(t, int32(2), ran.Load())
	assert.Equal(t, int64(2), p.Stats().Completed)
}

func TestDrainHonoursContext(t *testing.T) {
	p := newTestPipeline(t, Options{Workers: 1, GracePeriod: 10 * time.Millisecond})
	gate := make(chan struct{})
	defer close(gate)
	require.True(t, p.Submit(Task{Kind: "blocked", Run: func(context.Context) error {
		<-gate
		return nil
	}}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Drain(ctx), context.DeadlineExceeded)
}
