package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/bountyboard/backend/internal/middleware"
	"github.com/bountyboard/backend/internal/models"
	"github.com/bountyboard/backend/internal/services"
)

// Settlement is the coordinator subset the handler calls.
type Settlement interface {
	SubmitApplication(ctx context.Context, actor services.Actor, taskID uuid.UUID, proposal string) (*models.Application, error)
	AcceptApplication(ctx context.Context, actor services.Actor, applicationID uuid.UUID) error
	StartTask(ctx context.Context, actor services.Actor, taskID uuid.UUID) error
	SubmitEvidence(ctx context.Context, actor services.Actor, taskID uuid.UUID, evidence json.RawMessage) error
	ApproveAndRelease(ctx context.Context, actor services.Actor, taskID uuid.UUID, idemKey string) error
	CancelTask(ctx context.Context, actor services.Actor, taskID uuid.UUID) error
	OpenDispute(ctx context.Context, actor services.Actor, taskID uuid.UUID, reason string) (*models.Dispute, error)
	ResolveDispute(ctx context.Context, actor services.Actor, disputeID uuid.UUID, resolution, idemKey string) error
	ExecuteWithdrawal(ctx context.Context, actor services.Actor, amountCents int64, idemKey string) (*models.Withdrawal, error)
}

// TaskReader is the task repository read subset.
type TaskReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
	Create(ctx context.Context, t *models.Task) error
	ListByClientID(ctx context.Context, clientID uuid.UUID) ([]*models.Task, error)
	ListByWorkerID(ctx context.Context, workerID uuid.UUID) ([]*models.Task, error)
}

// ApplicationReader lists a task's applications for its owner.
type ApplicationReader interface {
	ListByTaskID(ctx context.Context, taskID uuid.UUID) ([]*models.Application, error)
}

// AuditReader serves the per-entity audit trail.
type AuditReader interface {
	ListByEntity(ctx context.Context, entityType string, entityID uuid.UUID) ([]*models.AuditEntry, error)
}

// BalanceReader serves the caller's own balance.
type BalanceReader interface {
	Get(ctx context.Context, userID uuid.UUID) (*models.Balance, error)
}

// IntentCreator asks the payment gateway for a funding intent.
type IntentCreator interface {
	CreateIntent(ctx context.Context, taskID, clientID uuid.UUID, amountCents int64, currency string) (string, error)
}

// DocumentValidator checks actor-submitted documents against their schema.
type DocumentValidator interface {
	Validate(kind string, doc json.RawMessage) error
}

type TaskHandler struct {
	settlement   Settlement
	tasks        TaskReader
	applications ApplicationReader
	audit        AuditReader
	balances     BalanceReader
	gateway      IntentCreator
	validator    DocumentValidator
	log          *slog.Logger
}

func NewTaskHandler(settlement Settlement, tasks TaskReader, applications ApplicationReader, audit AuditReader, balances BalanceReader, gw IntentCreator, validator DocumentValidator, log *slog.Logger) *TaskHandler {
	if log == nil {
		log = slog.Default()
	}
	return &TaskHandler{
		settlement:   settlement,
		tasks:        tasks,
		applications: applications,
		audit:        audit,
		balances:     balances,
		gateway:      gw,
		validator:    validator,
		log:          log,
	}
}

func actorFrom(r *http.Request) (services.Actor, bool) {
	a := middleware.ActorFromCtx(r.Context())
	if a == nil {
		return services.Actor{}, false
	}
	return services.Actor{ID: a.ID, Role: a.Role}, true
}

func pathID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	return id, err == nil
}

type CreateTaskRequest struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	BountyCents int64      `json:"bounty_cents"`
	Currency    string     `json:"currency"`
	Deadline    *time.Time `json:"deadline,omitempty"`
}

type CreateTaskResponse struct {
	Task          *models.Task `json:"task"`
	PaymentIntent string       `json:"payment_intent"`
}

// CreateTask inserts a draft task and opens a payment intent with the
// gateway. The task stays in draft until the capture webhook activates it.
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Title == "" || req.BountyCents <= 0 {
		writeError(w, http.StatusUnprocessableEntity, "title and a positive bounty_cents are required")
		return
	}
	if req.Deadline != nil && req.Deadline.Before(time.Now()) {
		writeError(w, http.StatusUnprocessableEntity, "deadline must be in the future")
		return
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}

	task := &models.Task{
		ID:          uuid.New(),
		ClientID:    actor.ID,
		Title:       req.Title,
		Description: req.Description,
		Status:      models.TaskStatusDraft,
		BountyCents: req.BountyCents,
		Currency:    req.Currency,
		Deadline:    req.Deadline,
	}
	if err := h.tasks.Create(r.Context(), task); err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	intent, err := h.gateway.CreateIntent(r.Context(), task.ID, actor.ID, task.BountyCents, task.Currency)
	if err != nil {
		// The draft stays around; the client can retry funding it.
		writeServiceError(w, h.log, err)
		return
	}
	h.log.Info("task created", "task_id", task.ID, "client_id", actor.ID, "bounty_cents", task.BountyCents)
	writeJSON(w, http.StatusCreated, CreateTaskResponse{Task: task, PaymentIntent: intent})
}

func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	if _, ok := actorFrom(r); !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	task, err := h.tasks.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// ListTasks returns the caller's tasks: owned tasks for clients, assigned
// tasks for workers.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	var (
		tasks []*models.Task
		err   error
	)
	if actor.Role == models.RoleWorker {
		tasks, err = h.tasks.ListByWorkerID(r.Context(), actor.ID)
	} else {
		tasks, err = h.tasks.ListByClientID(r.Context(), actor.ID)
	}
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// GetAuditTrail returns the append-only history for a task.
func (h *TaskHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	if _, ok := actorFrom(r); !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	entries, err := h.audit.ListByEntity(r.Context(), models.AuditEntityTask, id)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	if entries == nil {
		entries = []*models.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type SubmitApplicationRequest struct {
	Proposal string `json:"proposal"`
}

func (h *TaskHandler) SubmitApplication(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	taskID, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := h.validator.Validate(services.DocApplication, body); err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	var req SubmitApplicationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	app, err := h.settlement.SubmitApplication(r.Context(), actor, taskID, req.Proposal)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, app)
}

// ListApplications shows a task's applications to its owner.
func (h *TaskHandler) ListApplications(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	taskID, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	task, err := h.tasks.GetByID(r.Context(), taskID)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	if task.ClientID != actor.ID {
		writeError(w, http.StatusForbidden, "caller does not own this task")
		return
	}
	apps, err := h.applications.ListByTaskID(r.Context(), taskID)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	if apps == nil {
		apps = []*models.Application{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"applications": apps})
}

func (h *TaskHandler) AcceptApplication(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	appID, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid application id")
		return
	}
	if err := h.settlement.AcceptApplication(r.Context(), actor, appID); err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "assigned"})
}

func (h *TaskHandler) StartTask(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	taskID, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	if err := h.settlement.StartTask(r.Context(), actor, taskID); err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.TaskStatusInProgress})
}

func (h *TaskHandler) SubmitEvidence(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	taskID, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := h.validator.Validate(services.DocEvidence, body); err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	if err := h.settlement.SubmitEvidence(r.Context(), actor, taskID, body); err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.TaskStatusSubmitted})
}

func (h *TaskHandler) ApproveTask(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	taskID, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	idemKey := r.Header.Get("Idempotency-Key")
	if err := h.settlement.ApproveAndRelease(r.Context(), actor, taskID, idemKey); err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.TaskStatusCompleted})
}

func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	taskID, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	if err := h.settlement.CancelTask(r.Context(), actor, taskID); err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.TaskStatusCancelled})
}

type OpenDisputeRequest struct {
	Reason string `json:"reason"`
}

func (h *TaskHandler) OpenDispute(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	taskID, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := h.validator.Validate(services.DocDispute, body); err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	var req OpenDisputeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	dispute, err := h.settlement.OpenDispute(r.Context(), actor, taskID, req.Reason)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, dispute)
}

type ResolveDisputeRequest struct {
	Resolution string `json:"resolution"`
}

func (h *TaskHandler) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	disputeID, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid dispute id")
		return
	}
	var req ResolveDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	idemKey := r.Header.Get("Idempotency-Key")
	if err := h.settlement.ResolveDispute(r.Context(), actor, disputeID, req.Resolution, idemKey); err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.DisputeStatusResolved, "resolution": req.Resolution})
}

type WithdrawRequest struct {
	AmountCents int64 `json:"amount_cents"`
}

func (h *TaskHandler) ExecuteWithdrawal(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	var req WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	idemKey := r.Header.Get("Idempotency-Key")
	withdrawal, err := h.settlement.ExecuteWithdrawal(r.Context(), actor, req.AmountCents, idemKey)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, withdrawal)
}

func (h *TaskHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	balance, err := h.balances.Get(r.Context(), actor.ID)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}
