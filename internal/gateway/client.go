package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const (
	requestTimeout = 10 * time.Second
	maxAttempts    = 3
	baseBackoff    = 500 * time.Millisecond
)

// Error wraps a payment provider failure. Retryable errors (network, 5xx)
// are retried with bounded backoff before surfacing; 4xx responses are not.
type Error struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Client is the HTTP client for the payment gateway. The gateway owns card
// processing and account onboarding; this side only creates intents and
// initiates transfers, and receives the capture/transfer webhooks elsewhere.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: requestTimeout},
	}
}

type intentRequest struct {
	TaskID      uuid.UUID `json:"task_id"`
	ClientID    uuid.UUID `json:"client_id"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
}

type transferRequest struct {
	UserID         uuid.UUID `json:"user_id"`
	AmountCents    int64     `json:"amount_cents"`
	IdempotencyKey string    `json:"idempotency_key"`
}

type refResponse struct {
	Reference string `json:"reference"`
}

// CreateIntent asks the gateway for a payment intent covering the bounty.
// The returned reference later arrives back on the payment_captured webhook.
func (c *Client) CreateIntent(ctx context.Context, taskID, clientID uuid.UUID, amountCents int64, currency string) (string, error) {
	return c.post(ctx, "create_intent", "/v1/intents", intentRequest{
		TaskID:      taskID,
		ClientID:    clientID,
		AmountCents: amountCents,
		Currency:    currency,
	})
}

// Transfer initiates a payout to the user's external account. The
// idempotency key (the withdrawal id) makes gateway-side retries safe.
func (c *Client) Transfer(ctx context.Context, userID uuid.UUID, amountCents int64, idemKey string) (string, error) {
	return c.post(ctx, "transfer", "/v1/transfers", transferRequest{
		UserID:         userID,
		AmountCents:    amountCents,
		IdempotencyKey: idemKey,
	})
}

// post sends the request with bounded retries on retryable failures.
func (c *Client) post(ctx context.Context, op, path string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s request: %w", op, err)
	}

	var lastErr *Error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(baseBackoff << (attempt - 2)):
			}
		}

		ref, gerr := c.doOnce(ctx, op, path, body)
		if gerr == nil {
			return ref, nil
		}
		if !gerr.Retryable {
			return "", gerr
		}
		lastErr = gerr
	}
	return "", lastErr
}

func (c *Client) doOnce(ctx context.Context, op, path string, body []byte) (string, *Error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", &Error{Op: op, Retryable: false, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", &Error{Op: op, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out refResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", &Error{Op: op, Retryable: false, Err: fmt.Errorf("decode response: %w", err)}
		}
		return out.Reference, nil
	case resp.StatusCode >= 500:
		return "", &Error{Op: op, Retryable: true, Err: fmt.Errorf("status %d", resp.StatusCode)}
	default:
		return "", &Error{Op: op, Retryable: false, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
}
