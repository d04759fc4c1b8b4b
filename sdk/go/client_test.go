package fiadopaysdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreatePaymentSendsAuthAndIdempotencyKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/payments", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "key-1", r.Header.Get("Idempotency-Key"))
		var req PaymentRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "CARD", req.Method)
		_ = json.NewEncoder(w).Encode(Payment{ID: "pay_1", Status: "PENDING", Amount: "10.00"})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	p, err := c.CreatePayment(context.Background(), PaymentRequest{Method: "CARD", Currency: "BRL", Amount: 10}, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "pay_1", p.ID)
	assert.False(t, p.Settled())
}

func TestAPIErrorCarriesEnvelopeCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"not_refundable","message":"nope"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "tok").Refund(context.Background(), "pay_1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "not_refundable", apiErr.Code)
}

func TestWaitSettledPolls(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := "PENDING"
		if calls.Add(1) >= 3 {
			status = "APPROVED"
		}
		_ = json.NewEncoder(w).Encode(Payment{ID: "pay_1", Status: status})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, err := New(srv.URL, "tok").WaitSettled(ctx, "pay_1", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "APPROVED", p.Status)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestDeliveriesAndList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/payments/pay_1/deliveries":
			_, _ = w.Write([]byte(`{"items":[{"id":"d1","paymentId":"pay_1","success":true,"at":"2024-01-01T00:00:00Z"}]}`))
		case "/v1/payments":
			assert.Equal(t, "APPROVED", r.URL.Query().Get("status"))
			_, _ = w.Write([]byte(`{"items":[{"id":"pay_1","status":"APPROVED"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	ds, err := c.Deliveries(context.Background(), "pay_1")
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.True(t, ds[0].Success)

	ps, err := c.ListPayments(context.Background(), "APPROVED", 10)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.True(t, ps[0].Settled())
}
