package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	PaymentCreated  = "payment.created"
	PaymentApproved = "payment.approved"
	PaymentDeclined = "payment.declined"
	PaymentRefunded = "payment.refunded"
)

// TypeForStatus maps a payment status to its audit event type.
func TypeForStatus(status string) string {
	switch status {
	case "APPROVED":
		return PaymentApproved
	case "DECLINED":
		return PaymentDeclined
	case "REFUNDED":
		return PaymentRefunded
	default:
		return PaymentCreated
	}
}

// TimeLayout is fixed width so stored timestamps sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Writer appends payment audit events inside the caller's transaction.
type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, paymentID string, payload Payload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO payment_events(ts,type,payment_id,payload_json) VALUES (?,?,?,?)`,
		now().UTC().Format(TimeLayout), evtType, paymentID, string(data))
	return err
}
