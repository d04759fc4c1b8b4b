// Package webhook notifies merchants of payment state changes and keeps an
// append-only record of every delivery attempt.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"fiadopay/internal/domain"
	"fiadopay/internal/pipeline"
)

const (
	TaskKind       = "webhook.deliver"
	DefaultTimeout = 5 * time.Second
	recordTimeout  = 5 * time.Second

	HeaderEvent     = "X-FiadoPay-Event"
	HeaderDelivery  = "X-FiadoPay-Delivery"
	HeaderSignature = "X-FiadoPay-Signature"
)

type DeliveryStore interface {
	AppendDelivery(ctx context.Context, d domain.WebhookDelivery) (domain.WebhookDelivery, error)
}

type Submitter interface {
	Submit(t pipeline.Task) bool
}

type Config struct {
	Store    DeliveryStore
	Pipeline Submitter
	Client   *http.Client
	Timeout  time.Duration
	Secret   string
	Logger   *slog.Logger
	Now      func() time.Time
}

type Dispatcher struct {
	store    DeliveryStore
	pipeline Submitter
	client   *http.Client
	secret   string
	log      *slog.Logger
	now      func() time.Time
}

func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		store:    cfg.Store,
		pipeline: cfg.Pipeline,
		client:   cfg.Client,
		secret:   strings.TrimSpace(cfg.Secret),
		log:      cfg.Logger,
		now:      cfg.Now,
	}
	if d.client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		d.client = &http.Client{Timeout: timeout}
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	d.log = d.log.With("component", "webhook")
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// Notification is the body posted to the merchant's webhook URL.
type Notification struct {
	PaymentID         string `json:"paymentId"`
	Status            string `json:"status"`
	Amount            string `json:"amount"`
	TotalWithInterest string `json:"totalWithInterest"`
	UpdatedAt         string `json:"updatedAt"`
}

func NotificationFor(p domain.Payment) Notification {
	n := Notification{
		PaymentID: p.ID,
		Status:    string(p.Status),
		Amount:    p.Amount.StringFixed(2),
		UpdatedAt: p.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if p.TotalWithInterest.Valid {
		n.TotalWithInterest = p.TotalWithInterest.Decimal.StringFixed(2)
	}
	return n
}

// EnqueuePaymentEvent schedules delivery of the payment's current state and
// returns at once. The task works on a copy of p.
func (d *Dispatcher) EnqueuePaymentEvent(p domain.Payment) bool {
	snapshot := p
	ok := d.pipeline.Submit(pipeline.Task{
		Kind: TaskKind,
		Key:  p.ID,
		Run: func(ctx context.Context) error {
			_, _, err := d.Deliver(ctx, snapshot)
			return err
		},
	})
	if !ok {
		d.log.Warn("webhook not queued, pipeline closed", "payment_id", p.ID)
	}
	return ok
}

// Deliver makes one delivery attempt. Without a webhook URL nothing is sent
// or recorded and attempted is false. Otherwise exactly one delivery record
// is appended; a failed POST is recorded, not returned. The error is non-nil
// only when the record itself could not be stored.
func (d *Dispatcher) Deliver(ctx context.Context, p domain.Payment) (rec domain.WebhookDelivery, attempted bool, err error) {
	log := d.log.With("payment_id", p.ID)
	url := strings.TrimSpace(p.WebhookURL)
	if url == "" {
		log.Debug("no webhook url, delivery skipped", "phase", "notify")
		return domain.WebhookDelivery{}, false, nil
	}

	rec = domain.WebhookDelivery{ID: uuid.NewString(), PaymentID: p.ID}
	if perr := d.post(ctx, url, rec.ID, p); perr != nil {
		rec.ErrorMessage = perr.Error()
		log.Warn("webhook delivery failed", "phase", "deliver", "delivery_id", rec.ID, "err", perr)
	} else {
		rec.Success = true
		log.Info("webhook delivered", "phase", "deliver", "delivery_id", rec.ID, "status", p.Status)
	}
	rec.At = d.now().UTC()

	// The attempt is recorded even when the task context was cancelled mid-POST.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	saved, serr := d.store.AppendDelivery(storeCtx, rec)
	if serr != nil {
		log.Error("delivery record not stored", "phase", "audit", "delivery_id", rec.ID, "err", serr)
		return rec, true, fmt.Errorf("record delivery %s: %w", rec.ID, serr)
	}
	return saved, true, nil
}

func (d *Dispatcher) post(ctx context.Context, url, deliveryID string, p domain.Payment) error {
	data, err := json.Marshal(NotificationFor(p))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, EventType(p.Status))
	req.Header.Set(HeaderDelivery, deliveryID)
	if d.secret != "" {
		req.Header.Set(HeaderSignature, Sign(d.secret, data))
	}
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}

// EventType names the notification, e.g. "payment.approved".
func EventType(s domain.Status) string {
	return "payment." + strings.ToLower(string(s))
}

// Sign returns the hex HMAC-SHA256 of body keyed by secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret.
func Verify(secret string, body []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}
