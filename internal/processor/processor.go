// Package processor settles pending payments: it runs the anti-fraud gate,
// computes the interest-adjusted total, persists the outcome and schedules
// the webhook notification.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"fiadopay/internal/capability"
	"fiadopay/internal/domain"
	"fiadopay/internal/pipeline"
	"fiadopay/internal/registry"
	"fiadopay/internal/repo"
)

const TaskKind = "payment.process"

var (
	ErrNotFound   = errors.New("payment not found")
	ErrNotPending = errors.New("payment is not pending")
)

// RuleError reports a rule that could not be built or invoked. The gate
// treats such a rule as passed.
type RuleError struct {
	Rule string
	Err  error
}

func (e *RuleError) Error() string { return fmt.Sprintf("antifraud rule %s: %v", e.Rule, e.Err) }
func (e *RuleError) Unwrap() error { return e.Err }

type Store interface {
	FindPayment(ctx context.Context, id string) (domain.Payment, error)
	SavePayment(ctx context.Context, p domain.Payment) (domain.Payment, error)
}

type Notifier interface {
	EnqueuePaymentEvent(p domain.Payment) bool
}

type Submitter interface {
	Submit(t pipeline.Task) bool
}

type Outcome struct {
	PaymentID  string
	Status     domain.Status
	DeclinedBy string
	Total      decimal.Decimal
	RuleErrors []error
}

type Config struct {
	Store       Store
	Rules       *registry.Registry[capability.Rule]
	Pipeline    Submitter
	Notifier    Notifier
	SettleDelay time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

type Processor struct {
	store    Store
	rules    *registry.Registry[capability.Rule]
	pipeline Submitter
	notifier Notifier
	settle   time.Duration
	log      *slog.Logger
	now      func() time.Time
	locks    keyedMutex
}

func New(cfg Config) *Processor {
	p := &Processor{
		store:    cfg.Store,
		rules:    cfg.Rules,
		pipeline: cfg.Pipeline,
		notifier: cfg.Notifier,
		settle:   cfg.SettleDelay,
		log:      cfg.Logger,
		now:      cfg.Now,
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	p.log = p.log.With("component", "processor")
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Submit schedules processing of a payment and returns at once. Failures are
// only logged; callers poll the payment status to learn the outcome.
// With a settle delay the task is queued when the delay elapses, so no worker
// is held while waiting; a pipeline closed by then only logs the miss.
func (p *Processor) Submit(paymentID string) bool {
	if p.settle <= 0 {
		return p.enqueue(paymentID)
	}
	time.AfterFunc(p.settle, func() { p.enqueue(paymentID) })
	return true
}

func (p *Processor) enqueue(paymentID string) bool {
	ok := p.pipeline.Submit(pipeline.Task{
		Kind: TaskKind,
		Key:  paymentID,
		Run: func(ctx context.Context) error {
			_, err := p.Process(ctx, paymentID)
			return err
		},
	})
	if !ok {
		p.log.Warn("payment not submitted, pipeline closed", "payment_id", paymentID)
	}
	return ok
}

// Process runs one settlement pass for a pending payment. Passes for the same
// id are serialised; a pass over an already settled payment stops with
// ErrNotPending.
func (p *Processor) Process(ctx context.Context, paymentID string) (Outcome, error) {
	unlock := p.locks.lock(paymentID)
	defer unlock()

	log := p.log.With("payment_id", paymentID)
	pay, err := p.store.FindPayment(ctx, paymentID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			log.Warn("payment not found", "phase", "load")
			return Outcome{PaymentID: paymentID}, fmt.Errorf("%w: %s", ErrNotFound, paymentID)
		}
		return Outcome{PaymentID: paymentID}, fmt.Errorf("load payment %s: %w", paymentID, err)
	}
	if pay.Status != domain.StatusPending {
		log.Warn("payment already settled", "phase", "load", "status", pay.Status)
		return Outcome{PaymentID: paymentID, Status: pay.Status}, fmt.Errorf("%w: %s is %s", ErrNotPending, paymentID, pay.Status)
	}

	amount := pay.Amount.InexactFloat64()
	out := Outcome{PaymentID: paymentID}
	for _, key := range p.rules.Keys() {
		pass, rerr := p.evaluate(key, amount)
		if rerr != nil {
			log.Error("antifraud rule skipped", "phase", "antifraud", "rule", key, "err", rerr)
			out.RuleErrors = append(out.RuleErrors, rerr)
			continue
		}
		if !pass {
			log.Info("antifraud rule declined payment", "phase", "antifraud", "rule", key, "amount", pay.Amount.StringFixed(2))
			out.DeclinedBy = key
			return p.settleAs(ctx, log, pay, domain.StatusDeclined, RoundHalfUp(pay.Amount, 2), out)
		}
	}

	total := TotalWithInterest(pay.Amount, pay.MonthlyInterestPercent, pay.Installments)
	return p.settleAs(ctx, log, pay, domain.StatusApproved, total, out)
}

// evaluate builds a fresh rule instance and runs it. Construction failures and
// panics come back as *RuleError.
func (p *Processor) evaluate(key string, amount float64) (pass bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			pass, err = true, &RuleError{Rule: key, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	rule, ierr := p.rules.Instantiate(key)
	if ierr != nil {
		return true, &RuleError{Rule: key, Err: ierr}
	}
	if rule == nil {
		return true, &RuleError{Rule: key, Err: errors.New("factory returned nil rule")}
	}
	return rule.Validate(amount), nil
}

func (p *Processor) settleAs(ctx context.Context, log *slog.Logger, pay domain.Payment, status domain.Status, total decimal.Decimal, out Outcome) (Outcome, error) {
	if !domain.CanTransition(pay.Status, status) {
		return out, fmt.Errorf("invalid transition %s -> %s", pay.Status, status)
	}
	pay.Status = status
	pay.TotalWithInterest = decimal.NewNullDecimal(total)
	pay.UpdatedAt = p.now().UTC()
	saved, err := p.store.SavePayment(ctx, pay)
	if err != nil {
		log.Error("persist settlement failed", "phase", "persist", "status", status, "err", err)
		return out, fmt.Errorf("save payment %s: %w", pay.ID, err)
	}
	out.Status = saved.Status
	out.Total = total
	if p.notifier != nil && !p.notifier.EnqueuePaymentEvent(saved) {
		log.Warn("payment notification not queued", "phase", "notify")
	}
	log.Info("payment settled", "phase", "settle", "status", status, "total", total.StringFixed(2))
	return out, nil
}

// Lock takes the per-payment lock that Process holds. Other writers of the
// same payment use it so they never interleave with a settlement pass.
func (p *Processor) Lock(paymentID string) (unlock func()) {
	return p.locks.lock(paymentID)
}

// keyedMutex serialises work per payment id. Entries are removed once no
// goroutine holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
