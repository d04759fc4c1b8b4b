package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"fiadopay/internal/domain"
	"fiadopay/internal/events"
)

type Repo struct {
	DB     *sql.DB
	Events events.Writer
}

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicateIdempotencyKey means the merchant already has a payment
	// stored under the same idempotency key.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

const paymentColumns = `id,merchant_id,method,amount,currency,installments,monthly_interest_percent,total_with_interest,status,idempotency_key,metadata_order_id,webhook_url,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (domain.Payment, error) {
	var (
		p                         domain.Payment
		amount, status            string
		created, updated          string
		interest, total           sql.NullString
		idem, orderID, webhookURL sql.NullString
	)
	err := row.Scan(&p.ID, &p.MerchantID, &p.Method, &amount, &p.Currency, &p.Installments, &interest, &total,
		&status, &idem, &orderID, &webhookURL, &created, &updated)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return p, fmt.Errorf("payment %s amount: %w", p.ID, err)
	}
	if p.MonthlyInterestPercent, err = nullDecimal(interest); err != nil {
		return p, fmt.Errorf("payment %s interest: %w", p.ID, err)
	}
	if p.TotalWithInterest, err = nullDecimal(total); err != nil {
		return p, fmt.Errorf("payment %s total: %w", p.ID, err)
	}
	if p.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return p, fmt.Errorf("payment %s created_at: %w", p.ID, err)
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return p, fmt.Errorf("payment %s updated_at: %w", p.ID, err)
	}
	p.Status = domain.Status(status)
	p.IdempotencyKey = idem.String
	p.MetadataOrderID = orderID.String
	p.WebhookURL = webhookURL.String
	return p, nil
}

// InsertPayment stores a new payment and its payment.created event.
func (r Repo) InsertPayment(ctx context.Context, p domain.Payment) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `INSERT INTO payments(`+paymentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.MerchantID, p.Method, p.Amount.String(), p.Currency, p.Installments,
		nullableDecimal(p.MonthlyInterestPercent), nullableDecimal(p.TotalWithInterest), string(p.Status),
		nullable(p.IdempotencyKey), nullable(p.MetadataOrderID), nullable(p.WebhookURL),
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		if isIdempotencyConflict(err) {
			return fmt.Errorf("insert payment: %w", ErrDuplicateIdempotencyKey)
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	if err := r.Events.Append(ctx, tx, events.PaymentCreated, p.ID, events.Payload{
		"method": p.Method, "amount": p.Amount.StringFixed(2), "installments": p.Installments,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) FindPayment(ctx context.Context, id string) (domain.Payment, error) {
	return scanPayment(r.DB.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=?`, id))
}

func (r Repo) FindByIdempotencyKey(ctx context.Context, merchantID, key string) (domain.Payment, error) {
	return scanPayment(r.DB.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE merchant_id=? AND idempotency_key=?`, merchantID, key))
}

// SavePayment writes the payment's mutable state. A status change is recorded
// as an audit event in the same transaction.
func (r Repo) SavePayment(ctx context.Context, p domain.Payment) (domain.Payment, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	var prev string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM payments WHERE id=?`, p.ID).Scan(&prev); err != nil {
		if err == sql.ErrNoRows {
			return p, ErrNotFound
		}
		return p, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE payments SET monthly_interest_percent=?, total_with_interest=?, status=?, webhook_url=?, updated_at=? WHERE id=?`,
		nullableDecimal(p.MonthlyInterestPercent), nullableDecimal(p.TotalWithInterest), string(p.Status),
		nullable(p.WebhookURL), formatTime(p.UpdatedAt), p.ID)
	if err != nil {
		return p, fmt.Errorf("update payment: %w", err)
	}
	if prev != string(p.Status) {
		payload := events.Payload{"from": prev, "to": string(p.Status)}
		if p.TotalWithInterest.Valid {
			payload["total_with_interest"] = p.TotalWithInterest.Decimal.StringFixed(2)
		}
		if err := r.Events.Append(ctx, tx, events.TypeForStatus(string(p.Status)), p.ID, payload); err != nil {
			return p, err
		}
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	return p, nil
}

type PaymentFilters struct {
	MerchantID string
	Status     string
	Limit      int
}

func (r Repo) ListPayments(ctx context.Context, f PaymentFilters) ([]domain.Payment, error) {
	var (
		clauses []string
		args    []any
	)
	if f.MerchantID != "" {
		clauses = append(clauses, "merchant_id=?")
		args = append(args, f.MerchantID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, strings.ToUpper(f.Status))
	}
	query := `SELECT ` + paymentColumns + ` FROM payments`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// AppendDelivery stores one delivery attempt. Rows are never updated.
func (r Repo) AppendDelivery(ctx context.Context, d domain.WebhookDelivery) (domain.WebhookDelivery, error) {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhook_deliveries(id,payment_id,success,error_message,at) VALUES (?,?,?,?,?)`,
		d.ID, d.PaymentID, d.Success, nullable(d.ErrorMessage), formatTime(d.At))
	if err != nil {
		return d, fmt.Errorf("insert webhook delivery: %w", err)
	}
	return d, nil
}

func (r Repo) ListDeliveries(ctx context.Context, paymentID string) ([]domain.WebhookDelivery, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,payment_id,success,COALESCE(error_message,''),at FROM webhook_deliveries WHERE payment_id=? ORDER BY at, id`, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WebhookDelivery
	for rows.Next() {
		var d domain.WebhookDelivery
		var at string
		if err := rows.Scan(&d.ID, &d.PaymentID, &d.Success, &d.ErrorMessage, &at); err != nil {
			return nil, err
		}
		if d.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("delivery %s at: %w", d.ID, err)
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// LatestEvents returns up to limit audit events, newest first.
func (r Repo) LatestEvents(ctx context.Context, limit int, paymentID string) ([]domain.Event, error) {
	query := `SELECT id,ts,type,payment_id,payload_json FROM payment_events`
	var args []any
	if paymentID != "" {
		query += ` WHERE payment_id=?`
		args = append(args, paymentID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.PaymentID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableDecimal(v decimal.NullDecimal) any {
	if !v.Valid {
		return nil
	}
	return v.Decimal.String()
}

func nullDecimal(v sql.NullString) (decimal.NullDecimal, error) {
	if !v.Valid || v.String == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}


func formatTime(t time.Time) string {
	return t.UTC().Format(events.TimeLayout)
}

func isIdempotencyConflict(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) || serr.Code()&0xff != sqlite3.SQLITE_CONSTRAINT {
		return false
	}
	return strings.Contains(serr.Error(), "idempotency_key")
}
