package repo_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fiadopay/internal/db"
	"fiadopay/internal/domain"
	"fiadopay/internal/migrate"
	"fiadopay/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}
}

func samplePayment(id string) domain.Payment {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	return domain.Payment{
		ID:                     id,
		MerchantID:             "m-1",
		Method:                 "CARD",
		Amount:                 decimal.RequireFromString("1000.00"),
		Currency:               "BRL",
		Installments:           3,
		MonthlyInterestPercent: decimal.NewNullDecimal(decimal.RequireFromString("1.0")),
		Status:                 domain.StatusPending,
		IdempotencyKey:         "idem-" + id,
		WebhookURL:             "http://example.test/hook",
		CreatedAt:              now,
		UpdatedAt:              now,
	}
}

func TestInsertAndFindPayment(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	p := samplePayment("pay_1")
	require.NoError(t, r.InsertPayment(ctx, p))

	got, err := r.FindPayment(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, "m-1", got.MerchantID)
	assert.True(t, got.Amount.Equal(p.Amount))
	assert.True(t, got.MonthlyInterestPercent.Valid)
	assert.False(t, got.TotalWithInterest.Valid)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.True(t, got.CreatedAt.Equal(p.CreatedAt))
	assert.Equal(t, "http://example.test/hook", got.WebhookURL)

	byKey, err := r.FindByIdempotencyKey(ctx, "m-1", "idem-pay_1")
	require.NoError(t, err)
	assert.Equal(t, "pay_1", byKey.ID)
}

func TestFindMissingPayment(t *testing.T) {
	r := newTestRepo(t)
	_, err := r.FindPayment(context.Background(), "nope")
	require.ErrorIs(t, err, repo.ErrNotFound)
	_, err = r.SavePayment(context.Background(), samplePayment("nope"))
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestDuplicateIdempotencyKeyRejected(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, r.InsertPayment(ctx, samplePayment("pay_1")))
	dup := samplePayment("pay_2")
	dup.IdempotencyKey = "idem-pay_1"
	require.ErrorIs(t, r.InsertPayment(ctx, dup), repo.ErrDuplicateIdempotencyKey)

	other := samplePayment("pay_3")
	other.MerchantID = "m-2"
	other.IdempotencyKey = "idem-pay_1"
	require.NoError(t, r.InsertPayment(ctx, other))
}

func TestSavePaymentRecordsStatusEvent(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	p := samplePayment("pay_1")
	require.NoError(t, r.InsertPayment(ctx, p))

	p.Status = domain.StatusApproved
	p.TotalWithInterest = decimal.NewNullDecimal(decimal.RequireFromString("1030.30"))
	p.UpdatedAt = p.UpdatedAt.Add(time.Minute)
	_, err := r.SavePayment(ctx, p)
	require.NoError(t, err)

	got, err := r.FindPayment(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, got.Status)
	assert.Equal(t, "1030.30", got.TotalWithInterest.Decimal.StringFixed(2))

	evts, err := r.LatestEvents(ctx, 10, "pay_1")
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, "payment.approved", evts[0].Type)
	assert.Equal(t, "payment.created", evts[1].Type)
}

func TestDeliveriesAreAppendOnly(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, r.InsertPayment(ctx, samplePayment("pay_1")))
	at := time.Date(2024, 1, 1, 12, 0, 1, 0, time.UTC)
	_, err := r.AppendDelivery(ctx, domain.WebhookDelivery{ID: "d1", PaymentID: "pay_1", Success: false, ErrorMessage: "status 500: boom", At: at})
	require.NoError(t, err)
	_, err = r.AppendDelivery(ctx, domain.WebhookDelivery{ID: "d2", PaymentID: "pay_1", Success: true, At: at.Add(time.Second)})
	require.NoError(t, err)

	list, err := r.ListDeliveries(ctx, "pay_1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.False(t, list[0].Success)
	assert.Equal(t, "status 500: boom", list[0].ErrorMessage)
	assert.True(t, list[1].Success)

	_, err = r.DB.ExecContext(ctx, `UPDATE webhook_deliveries SET success=1 WHERE id='d1'`)
	require.Error(t, err)
	_, err = r.DB.ExecContext(ctx, `DELETE FROM webhook_deliveries`)
	require.Error(t, err)
}

func TestListPaymentsFilters(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	a := samplePayment("pay_a")
	b := samplePayment("pay_b")
	b.MerchantID = "m-2"
	b.IdempotencyKey = ""
	b.CreatedAt = b.CreatedAt.Add(time.Hour)
	require.NoError(t, r.InsertPayment(ctx, a))
	require.NoError(t, r.InsertPayment(ctx, b))

	all, err := r.ListPayments(ctx, repo.PaymentFilters{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "pay_b", all[0].ID)

	mine, err := r.ListPayments(ctx, repo.PaymentFilters{MerchantID: "m-1", Status: "pending"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "pay_a", mine[0].ID)
}

func TestEventTimestampsAreFixedWidth(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	stamps := []time.Time{
		time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 12, 0, 0, 500_000_000, time.UTC),
	}
	i := 0
	r.Events.Now = func() time.Time { ts := stamps[i]; i++; return ts }

	p := samplePayment("pay_1")
	require.NoError(t, r.InsertPayment(ctx, p))
	p.Status = domain.StatusApproved
	_, err := r.SavePayment(ctx, p)
	require.NoError(t, err)

	evts, err := r.LatestEvents(ctx, 10, "pay_1")
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, "2024-01-01T12:00:00.500000000Z", evts[0].TS)
	assert.Equal(t, "2024-01-01T12:00:00.000000000Z", evts[1].TS)
	assert.Len(t, evts[0].TS, len(evts[1].TS))
	assert.Less(t, evts[1].TS, evts[0].TS)
}
