package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// HighAmountRule declines any amount strictly above Threshold.
type HighAmountRule struct {
	Threshold float64
}

func (r HighAmountRule) Name() string { return "high_amount" }

func (r HighAmountRule) Validate(amount float64) bool {
	return amount <= r.Threshold
}

type CardHandler struct{}

func (CardHandler) Process(amount float64, currency string) string {
	return fmt.Sprintf("processed card payment: %.2f %s", amount, strings.ToUpper(currency))
}

type PixHandler struct{}

func (PixHandler) Process(float64, string) string { return "PIX payment confirmed instantly" }

type DebitHandler struct{}

func (DebitHandler) Process(float64, string) string { return "DEBIT transaction approved (instant)" }

type BoletoHandler struct{}

func (BoletoHandler) Process(float64, string) string { return "BOLETO generated, waiting payment" }

// PaymentCreatedSink accepts payment-created callbacks from upstream systems.
// The body must be a JSON object.
type PaymentCreatedSink struct {
	Log *slog.Logger
}

func (s PaymentCreatedSink) Handle(_ context.Context, payload []byte) error {
	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		return fmt.Errorf("payment-created payload: %w", err)
	}
	s.Log.Info("inbound webhook received", "sink", "payment-created", "fields", len(body))
	return nil
}

// UserRegisteredHandler records USER_REGISTERED platform events.
type UserRegisteredHandler struct {
	Log *slog.Logger
}

func (h UserRegisteredHandler) Handle(_ context.Context, data []byte) error {
	if len(data) == 0 {
		return errors.New("USER_REGISTERED: empty event data")
	}
	h.Log.Info("event received", "event", "USER_REGISTERED", "bytes", len(data))
	return nil
}
