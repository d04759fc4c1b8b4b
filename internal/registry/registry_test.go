package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct{ n int }

func TestRegisterAndInstantiateFreshInstances(t *testing.T) {
	r := New[*counter](KindAntiFraud)
	require.NoError(t, r.Register("c", func() (*counter, error) { return &counter{}, nil }))

	a, err := r.Instantiate("c")
	require.NoError(t, err)
	b, err := r.Instantiate("c")
	require.NoError(t, err)
	a.n++
	assert.NotSame(t, a, b)
	assert.Equal(t, 0, b.n)
}

func TestDuplicateKeyKeepsFirst(t *testing.T) {
	r := New[string](KindPaymentMethod)
	require.NoError(t, r.Register("CARD", func() (string, error) { return "first", nil }))
	err := r.Register("CARD", func() (string, error) { return "second", nil })
	require.ErrorIs(t, err, ErrDuplicateKey)

	v, err := r.Instantiate("CARD")
	require.NoError(t, err)
	assert.Equal(t, "first", v)
}

func TestRegisterRejectsEmptyAndNil(t *testing.T) {
	r := New[string](KindWebhookSink)
	assert.Error(t, r.Register("", func() (string, error) { return "", nil }))
	assert.Error(t, r.Register("x", nil))
	assert.Equal(t, 0, r.Len())
}

func TestSealBlocksRegistration(t *testing.T) {
	r := New[string](KindEventHandler)
	require.NoError(t, r.Register("a", func() (string, error) { return "a", nil }))
	r.Seal()
	assert.True(t, r.Sealed())
	require.ErrorIs(t, r.Register("b", func() (string, error) { return "b", nil }), ErrSealed)
	assert.Equal(t, []string{"a"}, r.Keys())
}

func TestResolveReturnsSnapshot(t *testing.T) {
	r := New[int](KindAntiFraud)
	require.NoError(t, r.Register("b", func() (int, error) { return 2, nil }))
	require.NoError(t, r.Register("a", func() (int, error) { return 1, nil }))

	snap := r.Resolve()
	delete(snap, "a")
	assert.True(t, r.Has("a"))
	assert.Equal(t, []string{"a", "b"}, r.Keys())
}

func TestInstantiateErrors(t *testing.T) {
	r := New[int](KindAntiFraud)
	boom := errors.New("boom")
	require.NoError(t, r.Register("broken", func() (int, error) { return 0, boom }))

	_, err := r.Instantiate("missing")
	require.ErrorIs(t, err, ErrUnknownKey)

	_, err = r.Instantiate("broken")
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "construct antifraud")
}
