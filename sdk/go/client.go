package fiadopaysdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal FiadoPay HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v1",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// PaymentRequest is the body of a create call.
type PaymentRequest struct {
	Method          string  `json:"method"`
	Currency        string  `json:"currency"`
	Amount          float64 `json:"amount"`
	Installments    int     `json:"installments,omitempty"`
	MetadataOrderID string  `json:"metadataOrderId,omitempty"`
	WebhookURL      string  `json:"webhookUrl,omitempty"`
}

// Payment mirrors the API payment model. Money fields are decimal strings.
type Payment struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	Method            string `json:"method"`
	Amount            string `json:"amount"`
	Currency          string `json:"currency"`
	Installments      int    `json:"installments"`
	MonthlyInterest   string `json:"monthlyInterest,omitempty"`
	TotalWithInterest string `json:"totalWithInterest,omitempty"`
	MetadataOrderID   string `json:"metadataOrderId,omitempty"`
	Message           string `json:"message,omitempty"`
	CreatedAt         string `json:"createdAt"`
	UpdatedAt         string `json:"updatedAt"`
}

// Settled reports whether processing has finished.
func (p Payment) Settled() bool {
	return p.Status != "" && p.Status != "PENDING"
}

type Refund struct {
	ID      string  `json:"id"`
	Status  string  `json:"status"`
	Payment Payment `json:"payment"`
}

// Delivery is one webhook delivery attempt.
type Delivery struct {
	ID           string `json:"id"`
	PaymentID    string `json:"paymentId"`
	Success      bool   `json:"success"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	At           string `json:"at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreatePayment creates a payment. A non-empty idempotencyKey makes retries
// return the first payment created with it.
func (c *Client) CreatePayment(ctx context.Context, req PaymentRequest, idempotencyKey string) (Payment, error) {
	var resp Payment
	var headers map[string]string
	if idempotencyKey != "" {
		headers = map[string]string{"Idempotency-Key": idempotencyKey}
	}
	err := c.do(ctx, http.MethodPost, "payments", req, headers, &resp)
	return resp, err
}

// GetPayment fetches a payment by id.
func (c *Client) GetPayment(ctx context.Context, id string) (Payment, error) {
	var resp Payment
	err := c.do(ctx, http.MethodGet, "payments/"+url.PathEscape(id), nil, nil, &resp)
	return resp, err
}

// ListPayments lists the merchant's payments, optionally filtered by status.
func (c *Client) ListPayments(ctx context.Context, status string, limit int) ([]Payment, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := "payments"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Payment `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &resp)
	return resp.Items, err
}

// WaitSettled polls until the payment leaves PENDING or ctx is done.
func (c *Client) WaitSettled(ctx context.Context, id string, every time.Duration) (Payment, error) {
	if every <= 0 {
		every = 250 * time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		p, err := c.GetPayment(ctx, id)
		if err != nil || p.Settled() {
			return p, err
		}
		select {
		case <-ctx.Done():
			return p, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Refund refunds an approved payment.
func (c *Client) Refund(ctx context.Context, id string) (Refund, error) {
	var resp Refund
	err := c.do(ctx, http.MethodPost, "payments/"+url.PathEscape(id)+"/refund", nil, nil, &resp)
	return resp, err
}

// Deliveries returns the webhook delivery attempts of a payment.
func (c *Client) Deliveries(ctx context.Context, id string) ([]Delivery, error) {
	var resp struct {
		Items []Delivery `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "payments/"+url.PathEscape(id)+"/deliveries", nil, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, headers map[string]string, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
