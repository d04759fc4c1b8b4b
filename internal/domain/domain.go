package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusDeclined Status = "DECLINED"
	StatusRefunded Status = "REFUNDED"
)

// CanTransition reports whether a payment may move from one status to another.
// PENDING settles to APPROVED or DECLINED; only APPROVED can be refunded.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusApproved || to == StatusDeclined
	case StatusApproved:
		return to == StatusRefunded
	default:
		return false
	}
}

// Final reports whether the status is a settled outcome of processing.
func (s Status) Final() bool {
	return s == StatusApproved || s == StatusDeclined || s == StatusRefunded
}

// MaxInstallments is the largest installment count a payment may carry.
const MaxInstallments = 24

type Payment struct {
	ID                     string              `json:"id"`
	MerchantID             string              `json:"merchant_id"`
	Method                 string              `json:"method"`
	Amount                 decimal.Decimal     `json:"amount"`
	Currency               string              `json:"currency"`
	Installments           int                 `json:"installments"`
	MonthlyInterestPercent decimal.NullDecimal `json:"monthly_interest_percent"`
	TotalWithInterest      decimal.NullDecimal `json:"total_with_interest"`
	Status                 Status              `json:"status" enum:"PENDING,APPROVED,DECLINED,REFUNDED"`
	IdempotencyKey         string              `json:"idempotency_key,omitempty"`
	MetadataOrderID        string              `json:"metadata_order_id,omitempty"`
	WebhookURL             string              `json:"webhook_url,omitempty"`
	CreatedAt              time.Time           `json:"created_at" format:"date-time"`
	UpdatedAt              time.Time           `json:"updated_at" format:"date-time"`
}

// WebhookDelivery is one outbound delivery attempt. Records are append-only.
type WebhookDelivery struct {
	ID           string    `json:"id"`
	PaymentID    string    `json:"payment_id"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"error_message,omitempty"`
	At           time.Time `json:"at" format:"date-time"`
}

type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	PaymentID string `json:"payment_id"`
	Payload   string `json:"payload_json"`
}
