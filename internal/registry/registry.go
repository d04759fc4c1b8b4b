// Package registry indexes pluggable capabilities by a declared key.
//
// Registries are populated once during startup and sealed before any worker
// reads them. After Seal every read is lock-free and value-stable.
package registry

import (
	"errors"
	"fmt"
	"sort"
)

type Kind string

const (
	KindPaymentMethod Kind = "payment_method"
	KindAntiFraud     Kind = "antifraud"
	KindWebhookSink   Kind = "webhook_sink"
	KindEventHandler  Kind = "event_handler"
)

var (
	ErrDuplicateKey = errors.New("duplicate capability key")
	ErrUnknownKey   = errors.New("unknown capability key")
	ErrSealed       = errors.New("registry sealed")
)

// Factory builds a fresh capability instance. An error means construction failed.
type Factory[T any] func() (T, error)

// Registry maps keys to factories for a single capability kind.
type Registry[T any] struct {
	kind      Kind
	factories map[string]Factory[T]
	sealed    bool
}

func New[T any](kind Kind) *Registry[T] {
	return &Registry[T]{kind: kind, factories: make(map[string]Factory[T])}
}

func (r *Registry[T]) Kind() Kind { return r.kind }

// Register adds a factory under key. Duplicate keys are rejected and the first
// registration stays in place.
func (r *Registry[T]) Register(key string, f Factory[T]) error {
	if r.sealed {
		return fmt.Errorf("%s %q: %w", r.kind, key, ErrSealed)
	}
	if key == "" {
		return fmt.Errorf("%s: empty key", r.kind)
	}
	if f == nil {
		return fmt.Errorf("%s %q: nil factory", r.kind, key)
	}
	if _, exists := r.factories[key]; exists {
		return fmt.Errorf("%s %q: %w", r.kind, key, ErrDuplicateKey)
	}
	r.factories[key] = f
	return nil
}

// Resolve returns a snapshot of the key to factory mapping.
func (r *Registry[T]) Resolve() map[string]Factory[T] {
	out := make(map[string]Factory[T], len(r.factories))
	for k, f := range r.factories {
		out[k] = f
	}
	return out
}

// Keys returns the registered keys in sorted order.
func (r *Registry[T]) Keys() []string {
	keys := make([]string, 0, len(r.factories))
	for k := range r.factories {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *Registry[T]) Has(key string) bool {
	_, ok := r.factories[key]
	return ok
}

func (r *Registry[T]) Len() int { return len(r.factories) }

// Instantiate constructs a new instance for key. Nothing is cached.
func (r *Registry[T]) Instantiate(key string) (T, error) {
	var zero T
	f, ok := r.factories[key]
	if !ok {
		return zero, fmt.Errorf("%s %q: %w", r.kind, key, ErrUnknownKey)
	}
	inst, err := f()
	if err != nil {
		return zero, fmt.Errorf("construct %s %q: %w", r.kind, key, err)
	}
	return inst, nil
}

// Seal marks population complete; later Register calls fail with ErrSealed.
func (r *Registry[T]) Seal() { r.sealed = true }

func (r *Registry[T]) Sealed() bool { return r.sealed }

// Candidate is a declared capability waiting to be registered. New must be a
// Factory of the interface its Kind expects.
type Candidate struct {
	Kind Kind
	Key  string
	New  any
}
