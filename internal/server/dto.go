package server

import (
	"time"

	"fiadopay/internal/domain"
	"fiadopay/internal/pipeline"
)

// Request payloads

type CreatePaymentRequest struct {
	Method          string  `json:"method" minLength:"1" example:"CARD" doc:"Registered payment method, case-insensitive"`
	Currency        string  `json:"currency" minLength:"3" maxLength:"3" example:"BRL"`
	Amount          float64 `json:"amount" minimum:"0" example:"1000.00"`
	Installments    int     `json:"installments,omitempty" minimum:"1" maximum:"24" example:"3"`
	MetadataOrderID string  `json:"metadataOrderId,omitempty" example:"order-123"`
	WebhookURL      string  `json:"webhookUrl,omitempty" format:"uri" example:"https://merchant.example/hooks/fiadopay"`
}

// Response payloads

type HealthResponse struct {
	Status   string         `json:"status" example:"ok"`
	Pipeline pipeline.Stats `json:"pipeline"`
}

// PaymentResponse renders money as two-decimal strings.
type PaymentResponse struct {
	ID                string    `json:"id" example:"pay_1a2b3c4d"`
	Status            string    `json:"status" enum:"PENDING,APPROVED,DECLINED,REFUNDED"`
	Method            string    `json:"method"`
	Amount            string    `json:"amount" example:"1000.00"`
	Currency          string    `json:"currency"`
	Installments      int       `json:"installments"`
	MonthlyInterest   *string   `json:"monthlyInterest,omitempty" example:"1.0"`
	TotalWithInterest *string   `json:"totalWithInterest,omitempty" example:"1030.30"`
	MetadataOrderID   string    `json:"metadataOrderId,omitempty"`
	Message           string    `json:"message,omitempty" doc:"Payment method handler status line, set on creation"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

type PaymentList struct {
	Items []PaymentResponse `json:"items"`
}

type RefundResponse struct {
	ID      string          `json:"id" example:"ref_5f0c3e4a-9d7b-4c1e-8a55-0e0b8f0d2c11"`
	Status  string          `json:"status" example:"PENDING"`
	Payment PaymentResponse `json:"payment"`
}

type DeliveryResponse struct {
	ID           string    `json:"id"`
	PaymentID    string    `json:"paymentId"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	At           time.Time `json:"at"`
}

type DeliveryList struct {
	Items []DeliveryResponse `json:"items"`
}

type CapabilitiesResponse struct {
	PaymentMethods []string `json:"paymentMethods"`
	AntiFraudRules []string `json:"antiFraudRules"`
	WebhookSinks   []string `json:"webhookSinks"`
	EventHandlers  []string `json:"eventHandlers"`
}

type AcceptedResponse struct {
	Status string `json:"status" example:"accepted"`
}

func paymentResponse(p domain.Payment) PaymentResponse {
	resp := PaymentResponse{
		ID:              p.ID,
		Status:          string(p.Status),
		Method:          p.Method,
		Amount:          p.Amount.StringFixed(2),
		Currency:        p.Currency,
		Installments:    p.Installments,
		MetadataOrderID: p.MetadataOrderID,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
	if p.MonthlyInterestPercent.Valid {
		v := p.MonthlyInterestPercent.Decimal.StringFixed(1)
		resp.MonthlyInterest = &v
	}
	if p.TotalWithInterest.Valid {
		v := p.TotalWithInterest.Decimal.StringFixed(2)
		resp.TotalWithInterest = &v
	}
	return resp
}

func mapPayments(items []domain.Payment) []PaymentResponse {
	out := make([]PaymentResponse, 0, len(items))
	for _, p := range items {
		out = append(out, paymentResponse(p))
	}
	return out
}

func mapDeliveries(items []domain.WebhookDelivery) []DeliveryResponse {
	out := make([]DeliveryResponse, 0, len(items))
	for _, d := range items {
		out = append(out, DeliveryResponse{
			ID:           d.ID,
			PaymentID:    d.PaymentID,
			Success:      d.Success,
			ErrorMessage: d.ErrorMessage,
			At:           d.At,
		})
	}
	return out
}
