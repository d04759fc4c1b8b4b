// Package capability declares the pluggable behaviours of the gateway and the
// catalog that indexes them.
package capability

import (
	"context"
	"fmt"
	"log/slog"

	"fiadopay/internal/registry"
)

// Rule is an anti-fraud check. Validate returns true when the amount passes.
type Rule interface {
	Name() string
	Validate(amount float64) bool
}

// MethodHandler handles one payment method and reports a human-readable status.
type MethodHandler interface {
	Process(amount float64, currency string) string
}

// Sink receives inbound webhooks posted to its declared path.
type Sink interface {
	Handle(ctx context.Context, payload []byte) error
}

// EventHandler reacts to a named platform event.
type EventHandler interface {
	Handle(ctx context.Context, data []byte) error
}

// Catalog holds one registry per capability kind.
type Catalog struct {
	Methods *registry.Registry[MethodHandler]
	Rules   *registry.Registry[Rule]
	Sinks   *registry.Registry[Sink]
	Events  *registry.Registry[EventHandler]
}

func NewCatalog() *Catalog {
	return &Catalog{
		Methods: registry.New[MethodHandler](registry.KindPaymentMethod),
		Rules:   registry.New[Rule](registry.KindAntiFraud),
		Sinks:   registry.New[Sink](registry.KindWebhookSink),
		Events:  registry.New[EventHandler](registry.KindEventHandler),
	}
}

// Discover registers every candidate it can. A candidate that cannot be
// loaded (wrong factory type, empty or duplicate key) is logged and skipped.
// It returns how many candidates were registered.
func (c *Catalog) Discover(candidates []registry.Candidate, log *slog.Logger) int {
	registered := 0
	for _, cand := range candidates {
		if err := c.register(cand); err != nil {
			log.Warn("capability skipped", "kind", cand.Kind, "key", cand.Key, "err", err)
			continue
		}
		registered++
	}
	log.Info("capabilities discovered",
		"payment_methods", c.Methods.Keys(),
		"antifraud_rules", c.Rules.Keys(),
		"webhook_sinks", c.Sinks.Keys(),
		"event_handlers", c.Events.Keys(),
	)
	return registered
}

func (c *Catalog) register(cand registry.Candidate) error {
	switch cand.Kind {
	case registry.KindPaymentMethod:
		f, ok := factoryOf[MethodHandler](cand.New)
		if !ok {
			return incompatible(cand)
		}
		return c.Methods.Register(cand.Key, f)
	case registry.KindAntiFraud:
		f, ok := factoryOf[Rule](cand.New)
		if !ok {
			return incompatible(cand)
		}
		return c.Rules.Register(cand.Key, f)
	case registry.KindWebhookSink:
		f, ok := factoryOf[Sink](cand.New)
		if !ok {
			return incompatible(cand)
		}
		return c.Sinks.Register(cand.Key, f)
	case registry.KindEventHandler:
		f, ok := factoryOf[EventHandler](cand.New)
		if !ok {
			return incompatible(cand)
		}
		return c.Events.Register(cand.Key, f)
	default:
		return fmt.Errorf("unknown capability kind %q", cand.Kind)
	}
}

func factoryOf[T any](v any) (registry.Factory[T], bool) {
	switch f := v.(type) {
	case registry.Factory[T]:
		return f, f != nil
	case func() (T, error):
		return f, f != nil
	}
	return nil, false
}

func incompatible(cand registry.Candidate) error {
	return fmt.Errorf("incompatible capability: %T is not a %s factory", cand.New, cand.Kind)
}

// Seal closes every registry. Call it once discovery is complete and before
// any worker starts reading.
func (c *Catalog) Seal() {
	c.Methods.Seal()
	c.Rules.Seal()
	c.Sinks.Seal()
	c.Events.Seal()
}

// Listing is a serialisable view of the catalog.
type Listing struct {
	PaymentMethods []string `json:"payment_methods"`
	AntiFraudRules []string `json:"antifraud_rules"`
	WebhookSinks   []string `json:"webhook_sinks"`
	EventHandlers  []string `json:"event_handlers"`
}

func (c *Catalog) List() Listing {
	return Listing{
		PaymentMethods: c.Methods.Keys(),
		AntiFraudRules: c.Rules.Keys(),
		WebhookSinks:   c.Sinks.Keys(),
		EventHandlers:  c.Events.Keys(),
	}
}
