package capability

import (
	"log/slog"

	"fiadopay/internal/config"
	"fiadopay/internal/registry"
)

const (
	PaymentCreatedPath = "/webhooks/payment-created"
	UserRegistered     = "USER_REGISTERED"
)

// Manifest lists the built-in capabilities. Rules switched off in the config
// are left out.
func Manifest(cfg *config.Config, log *slog.Logger) []registry.Candidate {
	threshold := cfg.AntiFraud.HighAmount.Threshold
	cands := []registry.Candidate{
		{Kind: registry.KindPaymentMethod, Key: "CARD", New: registry.Factory[MethodHandler](func() (MethodHandler, error) { return CardHandler{}, nil })},
		{Kind: registry.KindPaymentMethod, Key: "PIX", New: registry.Factory[MethodHandler](func() (MethodHandler, error) { return PixHandler{}, nil })},
		{Kind: registry.KindPaymentMethod, Key: "DEBIT", New: registry.Factory[MethodHandler](func() (MethodHandler, error) { return DebitHandler{}, nil })},
		{Kind: registry.KindPaymentMethod, Key: "BOLETO", New: registry.Factory[MethodHandler](func() (MethodHandler, error) { return BoletoHandler{}, nil })},
		{Kind: registry.KindWebhookSink, Key: PaymentCreatedPath, New: registry.Factory[Sink](func() (Sink, error) { return PaymentCreatedSink{Log: log}, nil })},
		{Kind: registry.KindEventHandler, Key: UserRegistered, New: registry.Factory[EventHandler](func() (EventHandler, error) { return UserRegisteredHandler{Log: log}, nil })},
	}
	if !cfg.RuleDisabled("high_amount") {
		cands = append(cands, registry.Candidate{
			Kind: registry.KindAntiFraud,
			Key:  "high_amount",
			New:  registry.Factory[Rule](func() (Rule, error) { return HighAmountRule{Threshold: threshold}, nil }),
		})
	}
	return cands
}

// Build discovers the manifest into a fresh catalog and seals it.
func Build(cfg *config.Config, log *slog.Logger, extra ...registry.Candidate) *Catalog {
	cat := NewCatalog()
	cat.Discover(append(Manifest(cfg, log), extra...), log)
	cat.Seal()
	return cat
}
