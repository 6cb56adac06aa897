package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/bountyboard/backend/internal/services"
)

type mockWebhookSettlement struct {
	activateErr error
	completeErr error
	failErr     error

	activated  []string
	completed  []uuid.UUID
	failReason string
}

func (m *mockWebhookSettlement) WebhookActivate(_ context.Context, _, _ uuid.UUID, gatewayRef string) error {
	if m.activateErr != nil {
		return m.activateErr
	}
	m.activated = append(m.activated, gatewayRef)
	return nil
}

func (m *mockWebhookSettlement) CompleteTransfer(_ context.Context, withdrawalID uuid.UUID) error {
	if m.completeErr != nil {
		return m.completeErr
	}
	m.completed = append(m.completed, withdrawalID)
	return nil
}

func (m *mockWebhookSettlement) FailWithdrawal(_ context.Context, _ uuid.UUID, reason string) error {
	if m.failErr != nil {
		return m.failErr
	}
	m.failReason = reason
	return nil
}

const testSecret = "whsec_test"

func sign(body string) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func postEvent(h *WebhookHandler, body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/gateway", strings.NewReader(body))
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	h.HandleEvent(rec, req)
	return rec
}

func TestWebhook_PaymentCaptured(t *testing.T) {
	m := &mockWebhookSettlement{}
	h := NewWebhookHandler(m, testSecret, nil)

	body := `{"type":"payment_captured","task_id":"` + uuid.NewString() + `","client_id":"` + uuid.NewString() + `","reference":"pi_777"}`
	rec := postEvent(h, body, sign(body))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(m.activated) != 1 || m.activated[0] != "pi_777" {
		t.Errorf("activated = %v", m.activated)
	}
}

func TestWebhook_BadSignature(t *testing.T) {
	m := &mockWebhookSettlement{}
	h := NewWebhookHandler(m, testSecret, nil)

	body := `{"type":"payment_captured","task_id":"` + uuid.NewString() + `","reference":"pi_777"}`
	rec := postEvent(h, body, "deadbeef")

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if len(m.activated) != 0 {
		t.Error("event must not be processed on signature mismatch")
	}
}

func TestWebhook_MissingSignature(t *testing.T) {
	h := NewWebhookHandler(&mockWebhookSettlement{}, testSecret, nil)

	body := `{"type":"payment_captured"}`
	rec := postEvent(h, body, "")

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestWebhook_RedeliveryAnswers200(t *testing.T) {
	m := &mockWebhookSettlement{activateErr: services.ErrAlreadyProcessed}
	h := NewWebhookHandler(m, testSecret, nil)

	body := `{"type":"payment_captured","task_id":"` + uuid.NewString() + `","reference":"pi_dup"}`
	rec := postEvent(h, body, sign(body))

	// Redelivery must be acknowledged so the gateway stops resending.
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestWebhook_TransferCompleted(t *testing.T) {
	m := &mockWebhookSettlement{}
	h := NewWebhookHandler(m, testSecret, nil)

	wid := uuid.New()
	body := `{"type":"transfer_completed","withdrawal_id":"` + wid.String() + `"}`
	rec := postEvent(h, body, sign(body))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(m.completed) != 1 || m.completed[0] != wid {
		t.Errorf("completed = %v", m.completed)
	}
}

func TestWebhook_TransferCompletedOnFailedWithdrawal(t *testing.T) {
	m := &mockWebhookSettlement{completeErr: services.ErrWithdrawalNeedsReview}
	h := NewWebhookHandler(m, testSecret, nil)

	body := `{"type":"transfer_completed","withdrawal_id":"` + uuid.NewString() + `"}`
	rec := postEvent(h, body, sign(body))

	// 409, not 200: the conflict needs an operator, and not 5xx either, so
	// the gateway does not redeliver forever.
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(m.completed) != 0 {
		t.Error("event must not be absorbed as processed")
	}
}

func TestWebhook_TransferFailed(t *testing.T) {
	m := &mockWebhookSettlement{}
	h := NewWebhookHandler(m, testSecret, nil)

	body := `{"type":"transfer_failed","withdrawal_id":"` + uuid.NewString() + `","reason":"account closed"}`
	rec := postEvent(h, body, sign(body))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if m.failReason != "account closed" {
		t.Errorf("failReason = %q", m.failReason)
	}
}

func TestWebhook_UnknownEventIgnored(t *testing.T) {
	m := &mockWebhookSettlement{}
	h := NewWebhookHandler(m, testSecret, nil)

	body := `{"type":"payout_schedule_changed"}`
	rec := postEvent(h, body, sign(body))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ignored") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestWebhook_MissingRequiredFields(t *testing.T) {
	h := NewWebhookHandler(&mockWebhookSettlement{}, testSecret, nil)

	body := `{"type":"payment_captured"}`
	rec := postEvent(h, body, sign(body))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
