package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fiadopay/internal/db"
	"fiadopay/internal/domain"
	"fiadopay/internal/logging"
	"fiadopay/internal/migrate"
	"fiadopay/internal/pipeline"
	"fiadopay/internal/repo"
)

type memStore struct {
	mu   sync.Mutex
	recs []domain.WebhookDelivery
}

func (s *memStore) AppendDelivery(_ context.Context, d domain.WebhookDelivery) (domain.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, d)
	return d, nil
}

func (s *memStore) all() []domain.WebhookDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.WebhookDelivery(nil), s.recs...)
}

func approved(url string) domain.Payment {
	return domain.Payment{
		ID:                "pay_1",
		Amount:            decimal.RequireFromString("1000"),
		TotalWithInterest: decimal.NewNullDecimal(decimal.RequireFromString("1030.3")),
		Status:            domain.StatusApproved,
		WebhookURL:        url,
		UpdatedAt:         time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestDeliverPostsFiveFieldBody(t *testing.T) {
	var (
		body    map[string]any
		headers http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		data, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(data, &body))
		assert.True(t, Verify("s3cret", data, r.Header.Get(HeaderSignature)))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := &memStore{}
	d := New(Config{Store: store, Secret: "s3cret", Logger: logging.Discard()})
	rec, attempted, err := d.Deliver(context.Background(), approved(srv.URL))
	require.NoError(t, err)
	assert.True(t, attempted)
	assert.True(t, rec.Success)
	assert.Empty(t, rec.ErrorMessage)

	assert.Len(t, body, 5)
	assert.Equal(t, "pay_1", body["paymentId"])
	assert.Equal(t, "APPROVED", body["status"])
	assert.Equal(t, "1000.00", body["amount"])
	assert.Equal(t, "1030.30", body["totalWithInterest"])
	assert.Equal(t, "2024-05-01T10:00:00Z", body["updatedAt"])

	assert.Equal(t, "application/json", headers.Get("Content-Type"))
	assert.Equal(t, "payment.approved", headers.Get(HeaderEvent))
	assert.Equal(t, rec.ID, headers.Get(HeaderDelivery))
	assert.Len(t, store.all(), 1)
}

func TestDeliverRecordsNon2xxAsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom\n"))
	}))
	defer srv.Close()

	store := &memStore{}
	d := New(Config{Store: store, Logger: logging.Discard()})
	rec, attempted, err := d.Deliver(context.Background(), approved(srv.URL))
	require.NoError(t, err)
	assert.True(t, attempted)
	assert.False(t, rec.Success)
	assert.Equal(t, "status 500: boom", rec.ErrorMessage)
	recs := store.all()
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Success)
}

func TestDeliverRecordsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	store := &memStore{}
	d := New(Config{Store: store, Timeout: time.Second, Logger: logging.Discard()})
	rec, attempted, err := d.Deliver(context.Background(), approved(url))
	require.NoError(t, err)
	assert.True(t, attempted)
	assert.False(t, rec.Success)
	assert.NotEmpty(t, rec.ErrorMessage)
	assert.Len(t, store.all(), 1)
}

func TestDeliverSkipsBlankURL(t *testing.T) {
	store := &memStore{}
	d := New(Config{Store: store, Logger: logging.Discard()})
	_, attempted, err := d.Deliver(context.Background(), approved("   "))
	require.NoError(t, err)
	assert.False(t, attempted)
	assert.Empty(t, store.all())
}

func TestEnqueuePaymentEventDeliversOffPath(t *testing.T) {
	hits := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- struct{}{}
	}))
	defer srv.Close()

	p := pipeline.New(pipeline.Options{Workers: 1, Logger: logging.Discard()})
	store := &memStore{}
	d := New(Config{Store: store, Pipeline: p, Logger: logging.Discard()})
	require.True(t, d.EnqueuePaymentEvent(approved(srv.URL)))

	select {
	case <-hits:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook not delivered")
	}
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Len(t, store.all(), 1)
}

func TestEnqueueAfterShutdownIsRejected(t *testing.T) {
	p := pipeline.New(pipeline.Options{Logger: logging.Discard()})
	require.NoError(t, p.Shutdown(context.Background()))
	d := New(Config{Store: &memStore{}, Pipeline: p, Logger: logging.Discard()})
	assert.False(t, d.EnqueuePaymentEvent(approved("http://127.0.0.1:1")))
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	sig := Sign("k", []byte(`{"a":1}`))
	assert.True(t, Verify("k", []byte(`{"a":1}`), sig))
	assert.False(t, Verify("k", []byte(`{"a":2}`), sig))
	assert.False(t, Verify("k", []byte(`{"a":1}`), "zz"))
}

func TestDeliveryCutOffAtShutdownIsStillRecorded(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))
	r := repo.Repo{DB: conn}

	hit := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hit <- struct{}{}
		select {
		case <-req.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	pay := approved(srv.URL)
	pay.MerchantID = "m-1"
	pay.Method = "PIX"
	pay.Currency = "BRL"
	pay.Installments = 1
	pay.CreatedAt = pay.UpdatedAt
	require.NoError(t, r.InsertPayment(context.Background(), pay))

	p := pipeline.New(pipeline.Options{Workers: 1, GracePeriod: 100 * time.Millisecond, Logger: logging.Discard()})
	d := New(Config{Store: r, Pipeline: p, Timeout: 5 * time.Second, Logger: logging.Discard()})
	require.True(t, d.EnqueuePaymentEvent(pay))
	select {
	case <-hit:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook not attempted")
	}

	require.ErrorIs(t, p.Shutdown(context.Background()), pipeline.ErrShutdownTimeout)
	require.Eventually(t, func() bool {
		recs, err := r.ListDeliveries(context.Background(), pay.ID)
		return err == nil && len(recs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	recs, err := r.ListDeliveries(context.Background(), pay.ID)
	require.NoError(t, err)
	assert.False(t, recs[0].Success)
	assert.NotEmpty(t, recs[0].ErrorMessage)
}
