package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

// Webhook event types delivered by the payment gateway.
const (
	EventPaymentCaptured   = "payment_captured"
	EventTransferCompleted = "transfer_completed"
	EventTransferFailed    = "transfer_failed"
)

// SignatureHeader carries the hex-encoded HMAC-SHA256 of the raw body.
const SignatureHeader = "X-Gateway-Signature"

// WebhookSettlement is the coordinator subset the webhook endpoint drives.
type WebhookSettlement interface {
	WebhookActivate(ctx context.Context, taskID, clientID uuid.UUID, gatewayRef string) error
	CompleteTransfer(ctx context.Context, withdrawalID uuid.UUID) error
	FailWithdrawal(ctx context.Context, withdrawalID uuid.UUID, reason string) error
}

type WebhookHandler struct {
	settlement WebhookSettlement
	secret     []byte
	log        *slog.Logger
}

func NewWebhookHandler(settlement WebhookSettlement, secret string, log *slog.Logger) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{settlement: settlement, secret: []byte(secret), log: log}
}

type webhookEvent struct {
	Type         string    `json:"type"`
	TaskID       uuid.UUID `json:"task_id,omitempty"`
	ClientID     uuid.UUID `json:"client_id,omitempty"`
	WithdrawalID uuid.UUID `json:"withdrawal_id,omitempty"`
	Reference    string    `json:"reference,omitempty"`
	Reason       string    `json:"reason,omitempty"`
}

// HandleEvent verifies the gateway signature and dispatches the event. The
// gateway delivers at least once; replayed events answer 200 so it stops
// redelivering.
func (h *WebhookHandler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if !h.verifySignature(body, r.Header.Get(SignatureHeader)) {
		h.log.Warn("webhook signature mismatch", "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var ev webhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	switch ev.Type {
	case EventPaymentCaptured:
		if ev.TaskID == uuid.Nil || ev.Reference == "" {
			writeError(w, http.StatusBadRequest, "task_id and reference are required")
			return
		}
		err = h.settlement.WebhookActivate(r.Context(), ev.TaskID, ev.ClientID, ev.Reference)
	case EventTransferCompleted:
		if ev.WithdrawalID == uuid.Nil {
			writeError(w, http.StatusBadRequest, "withdrawal_id is required")
			return
		}
		err = h.settlement.CompleteTransfer(r.Context(), ev.WithdrawalID)
	case EventTransferFailed:
		if ev.WithdrawalID == uuid.Nil {
			writeError(w, http.StatusBadRequest, "withdrawal_id is required")
			return
		}
		err = h.settlement.FailWithdrawal(r.Context(), ev.WithdrawalID, ev.Reason)
	default:
		// Unknown events are acknowledged, not bounced; the gateway adds
		// event types we don't consume.
		h.log.Info("ignoring webhook event", "type", ev.Type)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

func (h *WebhookHandler) verifySignature(body []byte, signature string) bool {
	if len(h.secret) == 0 || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
