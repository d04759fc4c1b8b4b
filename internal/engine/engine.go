package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fiadopay/internal/capability"
	"fiadopay/internal/config"
	"fiadopay/internal/domain"
	"fiadopay/internal/pipeline"
	"fiadopay/internal/processor"
	"fiadopay/internal/registry"
	"fiadopay/internal/repo"
	"fiadopay/internal/webhook"
)

var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrUnsupportedMethod = errors.New("unsupported payment method")
	ErrForbidden         = errors.New("payment belongs to another merchant")
	ErrNotRefundable     = errors.New("payment cannot be refunded")
	ErrUnknownSink       = errors.New("no webhook sink for path")
	ErrUnknownEvent      = errors.New("no handler for event")
)

// Engine wires the capability catalog, the task pipeline, the payment
// processor and the webhook dispatcher over one database.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Config    *config.Config
	Catalog   *capability.Catalog
	Pipeline  *pipeline.Pipeline
	Processor *processor.Processor
	Webhooks  *webhook.Dispatcher
	Log       *slog.Logger
	Now       func() time.Time
}

type Options struct {
	Logger     *slog.Logger
	Now        func() time.Time
	HTTPClient *http.Client
	// Extra candidates are discovered after the built-in manifest.
	Extra []registry.Candidate
}

// New builds the engine and starts its pipeline. Call Close to stop it.
func New(db *sql.DB, cfg *config.Config, opts Options) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	r := repo.Repo{DB: db}
	r.Events.Now = now

	catalog := capability.Build(cfg, log, opts.Extra...)
	pipe := pipeline.New(pipeline.Options{
		Workers:     cfg.Pipeline.Workers,
		PoolQueue:   cfg.Pipeline.PoolQueue,
		GracePeriod: cfg.Pipeline.GracePeriod.Std(),
		Logger:      log.With("component", "pipeline"),
	})
	hooks := webhook.New(webhook.Config{
		Store:    r,
		Pipeline: pipe,
		Client:   opts.HTTPClient,
		Timeout:  cfg.Webhook.Timeout.Std(),
		Secret:   cfg.Webhook.Secret,
		Logger:   log,
		Now:      now,
	})
	proc := processor.New(processor.Config{
		Store:       r,
		Rules:       catalog.Rules,
		Pipeline:    pipe,
		Notifier:    hooks,
		SettleDelay: cfg.Processing.SettleDelay.Std(),
		Logger:      log,
		Now:         now,
	})
	return &Engine{
		DB:        db,
		Repo:      r,
		Config:    cfg,
		Catalog:   catalog,
		Pipeline:  pipe,
		Processor: proc,
		Webhooks:  hooks,
		Log:       log,
		Now:       now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// CreatePaymentRequest carries the merchant-supplied fields of a new payment.
type CreatePaymentRequest struct {
	Method          string
	Currency        string
	Amount          decimal.Decimal
	Installments    int
	MetadataOrderID string
	WebhookURL      string
}

// CreateResult is the stored payment plus the method handler's status line.
// Replayed is true when an earlier payment with the same idempotency key was
// returned instead of creating a new one.
type CreateResult struct {
	Payment  domain.Payment
	Message  string
	Replayed bool
}

// CreatePayment stores a PENDING payment and submits it for processing.
func (e *Engine) CreatePayment(ctx context.Context, merchantID, idemKey string, req CreatePaymentRequest) (CreateResult, error) {
	merchantID = strings.TrimSpace(merchantID)
	idemKey = strings.TrimSpace(idemKey)
	if merchantID == "" {
		return CreateResult{}, fmt.Errorf("%w: merchant is required", ErrInvalidRequest)
	}
	if idemKey != "" {
		existing, err := e.Repo.FindByIdempotencyKey(ctx, merchantID, idemKey)
		if err == nil {
			return CreateResult{Payment: existing, Replayed: true}, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return CreateResult{}, err
		}
	}

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if err := validateCreate(method, req); err != nil {
		return CreateResult{}, err
	}
	handler, err := e.Catalog.Methods.Instantiate(method)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownKey) {
			return CreateResult{}, fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
		}
		return CreateResult{}, err
	}
	installments := req.Installments
	if installments <= 0 {
		installments = 1
	}

	now := e.now().UTC()
	p := domain.Payment{
		ID:              "pay_" + uuid.NewString()[:8],
		MerchantID:      merchantID,
		Method:          method,
		Amount:          req.Amount,
		Currency:        strings.ToUpper(strings.TrimSpace(req.Currency)),
		Installments:    installments,
		Status:          domain.StatusPending,
		IdempotencyKey:  idemKey,
		MetadataOrderID: strings.TrimSpace(req.MetadataOrderID),
		WebhookURL:      strings.TrimSpace(req.WebhookURL),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if method == "CARD" && installments > 1 {
		p.MonthlyInterestPercent = decimal.NewNullDecimal(decimal.NewFromFloat(e.Config.Processing.CardMonthlyInterestPercent))
	}
	if err := e.Repo.InsertPayment(ctx, p); err != nil {
		if errors.Is(err, repo.ErrDuplicateIdempotencyKey) {
			// A concurrent create with the same key won the insert.
			existing, ferr := e.Repo.FindByIdempotencyKey(ctx, merchantID, idemKey)
			if ferr != nil {
				return CreateResult{}, ferr
			}
			return CreateResult{Payment: existing, Replayed: true}, nil
		}
		return CreateResult{}, err
	}
	msg := handler.Process(p.Amount.InexactFloat64(), p.Currency)
	e.Log.Info("payment created", "payment_id", p.ID, "merchant_id", merchantID, "method", method, "handler", msg)
	e.SubmitForProcessing(p.ID)
	return CreateResult{Payment: p, Message: msg}, nil
}

func validateCreate(method string, req CreatePaymentRequest) error {
	switch {
	case method == "":
		return fmt.Errorf("%w: method is required", ErrInvalidRequest)
	case strings.TrimSpace(req.Currency) == "":
		return fmt.Errorf("%w: currency is required", ErrInvalidRequest)
	case req.Amount.IsNegative():
		return fmt.Errorf("%w: amount must not be negative", ErrInvalidRequest)
	case req.Installments < 0:
		return fmt.Errorf("%w: installments must be at least 1", ErrInvalidRequest)
	case req.Installments > domain.MaxInstallments:
		return fmt.Errorf("%w: installments must be at most %d", ErrInvalidRequest, domain.MaxInstallments)
	}
	return nil
}

// SubmitForProcessing schedules settlement of a payment. Fire-and-forget.
func (e *Engine) SubmitForProcessing(paymentID string) bool {
	return e.Processor.Submit(paymentID)
}

// NotifyPaymentEvent schedules a webhook for the payment. Fire-and-forget.
func (e *Engine) NotifyPaymentEvent(p domain.Payment) bool {
	return e.Webhooks.EnqueuePaymentEvent(p)
}

func (e *Engine) GetPayment(ctx context.Context, id string) (domain.Payment, error) {
	return e.Repo.FindPayment(ctx, id)
}

func (e *Engine) ListPayments(ctx context.Context, f repo.PaymentFilters) ([]domain.Payment, error) {
	return e.Repo.ListPayments(ctx, f)
}

// Refund is the reply to a refund request.
type Refund struct {
	ID      string
	Status  string
	Payment domain.Payment
}

// Refund moves an APPROVED payment owned by merchantID to REFUNDED and
// notifies its webhook.
func (e *Engine) Refund(ctx context.Context, merchantID, paymentID string) (Refund, error) {
	unlock := e.Processor.Lock(paymentID)
	defer unlock()
	p, err := e.Repo.FindPayment(ctx, paymentID)
	if err != nil {
		return Refund{}, err
	}
	if p.MerchantID != merchantID {
		return Refund{}, ErrForbidden
	}
	if !domain.CanTransition(p.Status, domain.StatusRefunded) {
		return Refund{}, fmt.Errorf("%w: status is %s", ErrNotRefundable, p.Status)
	}
	p.Status = domain.StatusRefunded
	p.UpdatedAt = e.now().UTC()
	saved, err := e.Repo.SavePayment(ctx, p)
	if err != nil {
		return Refund{}, err
	}
	e.Log.Info("payment refunded", "payment_id", p.ID, "merchant_id", merchantID)
	e.NotifyPaymentEvent(saved)
	return Refund{ID: "ref_" + uuid.NewString(), Status: string(domain.StatusPending), Payment: saved}, nil
}

// ListDeliveries returns the delivery attempts of a payment owned by merchantID.
// An empty merchantID skips the ownership check.
func (e *Engine) ListDeliveries(ctx context.Context, merchantID, paymentID string) ([]domain.WebhookDelivery, error) {
	p, err := e.Repo.FindPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if merchantID != "" && p.MerchantID != merchantID {
		return nil, ErrForbidden
	}
	return e.Repo.ListDeliveries(ctx, paymentID)
}

// HandleInbound routes an inbound webhook body to the sink declared for path.
func (e *Engine) HandleInbound(ctx context.Context, path string, payload []byte) error {
	path = "/" + strings.Trim(path, "/")
	sink, err := e.Catalog.Sinks.Instantiate(path)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownKey) {
			return fmt.Errorf("%w: %s", ErrUnknownSink, path)
		}
		return err
	}
	if err := sink.Handle(ctx, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// HandleEvent routes a platform event to its handler.
func (e *Engine) HandleEvent(ctx context.Context, name string, data []byte) error {
	h, err := e.Catalog.Events.Instantiate(strings.TrimSpace(name))
	if err != nil {
		if errors.Is(err, registry.ErrUnknownKey) {
			return fmt.Errorf("%w: %s", ErrUnknownEvent, name)
		}
		return err
	}
	if err := h.Handle(ctx, data); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

func (e *Engine) Capabilities() capability.Listing {
	return e.Catalog.List()
}

// Close stops the pipeline, waiting for in-flight work up to the grace period.
func (e *Engine) Close(ctx context.Context) error {
	return e.Pipeline.Shutdown(ctx)
}
