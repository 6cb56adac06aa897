package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5"

	"github.com/bountyboard/backend/internal/gateway"
	"github.com/bountyboard/backend/internal/repository"
	"github.com/bountyboard/backend/internal/services"
)

const maxBodyBytes = 1 << 20

// readBody reads the whole request body so it can be both schema-validated
// and decoded.
func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps service errors to HTTP responses in one place.
// ErrAlreadyProcessed is success-equivalent and answers 200.
func writeServiceError(w http.ResponseWriter, log *slog.Logger, err error) {
	var authErr *services.AuthorizationError
	var invErr *services.LedgerInvariantViolation
	var gwErr *gateway.Error

	switch {
	case errors.Is(err, services.ErrAlreadyProcessed):
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_processed"})
	case errors.As(err, &authErr):
		writeError(w, http.StatusForbidden, authErr.Reason)
	case errors.Is(err, services.ErrValidation):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, services.ErrStateConflict):
		writeError(w, http.StatusConflict, "state conflict, refresh and retry")
	case errors.Is(err, repository.ErrDuplicateApplication):
		writeError(w, http.StatusConflict, "already applied to this task")
	case errors.Is(err, repository.ErrDisputeAlreadyOpen):
		writeError(w, http.StatusConflict, "a dispute is already open for this task")
	case errors.Is(err, services.ErrTaskFrozen):
		writeError(w, http.StatusConflict, "task frozen pending reconciliation")
	case errors.Is(err, services.ErrWithdrawalNeedsReview):
		writeError(w, http.StatusConflict, "withdrawal requires manual reconciliation")
	case errors.Is(err, services.ErrInsufficientFunds):
		writeError(w, http.StatusPaymentRequired, "insufficient funds")
	case errors.Is(err, pgx.ErrNoRows):
		writeError(w, http.StatusNotFound, "not found")
	case errors.As(err, &gwErr):
		log.Error("payment gateway error", "op", gwErr.Op, "error", err)
		writeError(w, http.StatusBadGateway, "payment gateway unavailable")
	case errors.As(err, &invErr):
		log.Error("ledger invariant violation", "task_id", invErr.TaskID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		log.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
