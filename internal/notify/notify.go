package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

const dispatchTimeout = 5 * time.Second

// Dispatcher posts lifecycle events to the notification endpoint after a
// transition commits. Delivery is best-effort and fire-and-forget: a failure
// is logged and never retried against the settlement path.
type Dispatcher struct {
	Endpoint   string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func NewDispatcher(endpoint string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		Endpoint:   endpoint,
		HTTPClient: &http.Client{Timeout: dispatchTimeout},
		Logger:     logger,
	}
}

type event struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// Notify dispatches the event in a goroutine and returns immediately.
// Settlement never blocks on notification delivery.
func (d *Dispatcher) Notify(eventName string, payload any) {
	if d.Endpoint == "" {
		return
	}
	go d.send(eventName, payload)
}

func (d *Dispatcher) send(eventName string, payload any) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	body, err := json.Marshal(event{Event: eventName, Payload: payload})
	if err != nil {
		d.Logger.Warn("notification marshal failed", "event", eventName, "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Endpoint, bytes.NewReader(body))
	if err != nil {
		d.Logger.Warn("notification request failed", "event", eventName, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		d.Logger.Warn("notification delivery failed", "event", eventName, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.Logger.Warn("notification endpoint returned non-2xx", "event", eventName, "status", resp.StatusCode)
	}
}
