package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bountyboard/backend/internal/execution"
	"github.com/bountyboard/backend/internal/models"
)

// --- noopTx satisfies pgx.Tx for test use; only Commit/Rollback are called. ---

type noopTx struct{}

func (noopTx) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }
func (noopTx) Commit(context.Context) error          { return nil }
func (noopTx) Rollback(context.Context) error        { return nil }
func (noopTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (noopTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (noopTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (noopTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (noopTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (noopTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (noopTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (noopTx) Conn() *pgx.Conn { return nil }

type mockPool struct{}

func (mockPool) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }

// ---------------------------------------------------------------------------
// In-memory repositories reproducing the conditional-update (CAS) semantics
// of the real SQL.
// ---------------------------------------------------------------------------

type mockTasks struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*models.Task
}

func newMockTasks(tasks ...*models.Task) *mockTasks {
	m := &mockTasks{tasks: make(map[uuid.UUID]*models.Task)}
	for _, t := range tasks {
		cp := *t
		m.tasks[t.ID] = &cp
	}
	return m
}

func (m *mockTasks) GetByID(_ context.Context, id uuid.UUID) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *t
	return &cp, nil
}

func (m *mockTasks) Create(_ context.Context, t *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *mockTasks) TransitionTx(_ context.Context, _ pgx.Tx, id uuid.UUID, from, to string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != from || t.Frozen {
		return false, nil
	}
	t.Status = to
	return true, nil
}

func (m *mockTasks) AssignWorkerTx(_ context.Context, _ pgx.Tx, id, workerID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != models.TaskStatusOpen || t.WorkerID != nil || t.Frozen {
		return false, nil
	}
	w := workerID
	t.WorkerID = &w
	t.Status = models.TaskStatusAssigned
	return true, nil
}

func (m *mockTasks) status(id uuid.UUID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[id].Status
}

// ---

type mockApplications struct {
	mu   sync.Mutex
	apps map[uuid.UUID]*models.Application
}

func newMockApplications(apps ...*models.Application) *mockApplications {
	m := &mockApplications{apps: make(map[uuid.UUID]*models.Application)}
	for _, a := range apps {
		cp := *a
		m.apps[a.ID] = &cp
	}
	return m
}

func (m *mockApplications) Create(_ context.Context, a *models.Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.apps[a.ID] = &cp
	return nil
}

func (m *mockApplications) GetByID(_ context.Context, id uuid.UUID) (*models.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.apps[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *a
	return &cp, nil
}

func (m *mockApplications) AcceptTx(_ context.Context, _ pgx.Tx, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.apps[id]
	if !ok || a.Status != models.ApplicationStatusPending {
		return false, nil
	}
	a.Status = models.ApplicationStatusAccepted
	return true, nil
}

func (m *mockApplications) RejectSiblingsTx(_ context.Context, _ pgx.Tx, taskID, acceptedID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.apps {
		if a.TaskID == taskID && a.ID != acceptedID && a.Status == models.ApplicationStatusPending {
			a.Status = models.ApplicationStatusRejected
		}
	}
	return nil
}

func (m *mockApplications) statusOf(id uuid.UUID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apps[id].Status
}

// ---

type mockDisputes struct {
	mu       sync.Mutex
	disputes map[uuid.UUID]*models.Dispute
}

func newMockDisputes(ds ...*models.Dispute) *mockDisputes {
	m := &mockDisputes{disputes: make(map[uuid.UUID]*models.Dispute)}
	for _, d := range ds {
		cp := *d
		m.disputes[d.ID] = &cp
	}
	return m
}

func (m *mockDisputes) CreateTx(_ context.Context, _ pgx.Tx, d *models.Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.disputes {
		if existing.TaskID == d.TaskID && existing.Status == models.DisputeStatusOpen {
			return fmt.Errorf("dispute already open for task %s", d.TaskID)
		}
	}
	cp := *d
	m.disputes[d.ID] = &cp
	return nil
}

func (m *mockDisputes) GetByID(_ context.Context, id uuid.UUID) (*models.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *d
	return &cp, nil
}

func (m *mockDisputes) ResolveTx(_ context.Context, _ pgx.Tx, id uuid.UUID, resolution string, resolvedBy uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok || d.Status != models.DisputeStatusOpen {
		return false, nil
	}
	d.Status = models.DisputeStatusResolved
	d.Resolution = &resolution
	d.ResolvedBy = &resolvedBy
	return true, nil
}

// ---

type mockWithdrawals struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*models.Withdrawal
}

func newMockWithdrawals() *mockWithdrawals {
	return &mockWithdrawals{rows: make(map[uuid.UUID]*models.Withdrawal)}
}

func (m *mockWithdrawals) CreateTx(_ context.Context, _ pgx.Tx, w *models.Withdrawal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	cp.Status = models.WithdrawalStatusPending
	m.rows[w.ID] = &cp
	return nil
}

func (m *mockWithdrawals) MarkProcessing(_ context.Context, id uuid.UUID, gatewayRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.rows[id]
	if !ok {
		return pgx.ErrNoRows
	}
	w.Status = models.WithdrawalStatusProcessing
	ref := gatewayRef
	w.GatewayRef = &ref
	return nil
}

func (m *mockWithdrawals) GetByID(_ context.Context, id uuid.UUID) (*models.Withdrawal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.rows[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *w
	return &cp, nil
}

func (m *mockWithdrawals) MarkCompleted(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.rows[id]
	if !ok {
		return false, nil
	}
	if w.Status != models.WithdrawalStatusPending && w.Status != models.WithdrawalStatusProcessing {
		return false, nil
	}
	w.Status = models.WithdrawalStatusCompleted
	return true, nil
}

func (m *mockWithdrawals) MarkFailedTx(_ context.Context, _ pgx.Tx, id uuid.UUID, reason string) (uuid.UUID, int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.rows[id]
	if !ok {
		return uuid.Nil, 0, false, nil
	}
	if w.Status != models.WithdrawalStatusPending && w.Status != models.WithdrawalStatusProcessing {
		return uuid.Nil, 0, false, nil
	}
	w.Status = models.WithdrawalStatusFailed
	r := reason
	w.FailReason = &r
	return w.UserID, w.AmountCents, true, nil
}

func (m *mockWithdrawals) statusOf(id uuid.UUID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id].Status
}

// ---

type mockAudit struct {
	mu      sync.Mutex
	entries []*models.AuditEntry
}

func (m *mockAudit) CreateTx(_ context.Context, _ pgx.Tx, e *models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *mockAudit) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *mockAudit) last() *models.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return nil
	}
	return m.entries[len(m.entries)-1]
}

// ---

type mockIdempotency struct {
	mu     sync.Mutex
	claims map[string]bool
}

func newMockIdempotency() *mockIdempotency {
	return &mockIdempotency{claims: make(map[string]bool)}
}

func (m *mockIdempotency) ClaimTx(_ context.Context, _ pgx.Tx, actorID uuid.UUID, operation, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := actorID.String() + "/" + operation + "/" + key
	if m.claims[k] {
		return false, nil
	}
	m.claims[k] = true
	return true, nil
}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type fixture struct {
	coord    *Coordinator
	tasks    *mockTasks
	apps     *mockApplications
	disputes *mockDisputes
	records  *mockEscrowRecords
	balances *mockBalances
	audit    *mockAudit
	wdraws   *mockWithdrawals
	enqueued []execution.TransferJobArgs
}

func newFixture(tasks ...*models.Task) *fixture {
	f := &fixture{
		tasks:    newMockTasks(tasks...),
		apps:     newMockApplications(),
		disputes: newMockDisputes(),
		records:  newMockEscrowRecords(),
		balances: newMockBalances(),
		audit:    &mockAudit{},
		wdraws:   newMockWithdrawals(),
	}
	f.coord = &Coordinator{
		Pool:         mockPool{},
		Tasks:        f.tasks,
		Applications: f.apps,
		Disputes:     f.disputes,
		Withdrawals:  f.wdraws,
		Ledger:       NewEscrowLedger(f.records, f.balances),
		Balances:     f.balances,
		Audit:        f.audit,
		Idempotency:  newMockIdempotency(),
		EnqueueTransfer: func(_ context.Context, _ pgx.Tx, args execution.TransferJobArgs) error {
			f.enqueued = append(f.enqueued, args)
			return nil
		},
	}
	return f
}

func fundedTask(f *fixture, status string, clientID uuid.UUID, workerID *uuid.UUID, bounty int64) *models.Task {
	task := testTask(status, clientID, workerID)
	task.BountyCents = bounty
	f.tasks.Create(context.Background(), task)
	if status != models.TaskStatusDraft {
		if _, err := f.coord.Ledger.Hold(context.Background(), nil, task.ID, clientID, bounty, "pi_"+task.ID.String()); err != nil {
			panic(err)
		}
	}
	return task
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestWebhookActivate_HoldsFundsAndOpensTask(t *testing.T) {
	clientID := uuid.New()
	f := newFixture()
	task := testTask(models.TaskStatusDraft, clientID, nil)
	f.tasks.Create(context.Background(), task)

	if err := f.coord.WebhookActivate(context.Background(), task.ID, clientID, "pi_cap_1"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if got := f.tasks.status(task.ID); got != models.TaskStatusOpen {
		t.Errorf("task status = %q, want open", got)
	}
	if got := f.records.status(task.ID); got != models.EscrowStatusHeld {
		t.Errorf("escrow status = %q, want held", got)
	}
	if f.audit.count() != 1 {
		t.Errorf("audit entries = %d, want 1", f.audit.count())
	}
	if f.audit.last().ActorID != SystemActor.ID {
		t.Error("activation must be audited as the system actor")
	}
}

func TestWebhookActivate_RedeliveryIsNoop(t *testing.T) {
	clientID := uuid.New()
	f := newFixture()
	task := testTask(models.TaskStatusDraft, clientID, nil)
	f.tasks.Create(context.Background(), task)

	if err := f.coord.WebhookActivate(context.Background(), task.ID, clientID, "pi_cap_2"); err != nil {
		t.Fatal(err)
	}
	err := f.coord.WebhookActivate(context.Background(), task.ID, clientID, "pi_cap_2")
	if !errors.Is(err, ErrAlreadyProcessed) {
		t.Errorf("got %v, want ErrAlreadyProcessed", err)
	}
	if f.audit.count() != 1 {
		t.Errorf("audit entries = %d, want 1 (redelivery must not append)", f.audit.count())
	}
}

func TestWebhookActivate_SecondCaptureNewRefIsNoop(t *testing.T) {
	clientID := uuid.New()
	f := newFixture()
	task := testTask(models.TaskStatusDraft, clientID, nil)
	f.tasks.Create(context.Background(), task)

	if err := f.coord.WebhookActivate(context.Background(), task.ID, clientID, "pi_cap_3"); err != nil {
		t.Fatal(err)
	}
	// A second capture for the same task under a fresh gateway reference is
	// still duplicate funding, not a 500 the gateway retries forever.
	err := f.coord.WebhookActivate(context.Background(), task.ID, clientID, "pi_cap_3b")
	if !errors.Is(err, ErrAlreadyProcessed) {
		t.Errorf("got %v, want ErrAlreadyProcessed", err)
	}
	if got := f.records.status(task.ID); got != models.EscrowStatusHeld {
		t.Errorf("escrow status = %q, want held", got)
	}
	if f.audit.count() != 1 {
		t.Errorf("audit entries = %d, want 1", f.audit.count())
	}
}

func TestAcceptApplication_OneWinner(t *testing.T) {
	clientID := uuid.New()
	f := newFixture()
	task := fundedTask(f, models.TaskStatusOpen, clientID, nil, 10000)

	worker1, worker2 := uuid.New(), uuid.New()
	app1 := &models.Application{ID: uuid.New(), TaskID: task.ID, WorkerID: worker1, Status: models.ApplicationStatusPending}
	app2 := &models.Application{ID: uuid.New(), TaskID: task.ID, WorkerID: worker2, Status: models.ApplicationStatusPending}
	f.apps.Create(context.Background(), app1)
	f.apps.Create(context.Background(), app2)

	client := Actor{ID: clientID, Role: models.RoleClient}
	if err := f.coord.AcceptApplication(context.Background(), client, app1.ID); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	if err := f.coord.AcceptApplication(context.Background(), client, app2.ID); !errors.Is(err, ErrStateConflict) {
		t.Errorf("second accept: got %v, want ErrStateConflict", err)
	}

	if got := f.apps.statusOf(app1.ID); got != models.ApplicationStatusAccepted {
		t.Errorf("winner status = %q, want accepted", got)
	}
	if got := f.apps.statusOf(app2.ID); got != models.ApplicationStatusRejected {
		t.Errorf("loser status = %q, want rejected", got)
	}
	if got := f.tasks.status(task.ID); got != models.TaskStatusAssigned {
		t.Errorf("task status = %q, want assigned", got)
	}
}

func TestAcceptApplication_ConcurrentAcceptsOneWinner(t *testing.T) {
	clientID := uuid.New()
	f := newFixture()
	task := fundedTask(f, models.TaskStatusOpen, clientID, nil, 10000)

	worker1, worker2 := uuid.New(), uuid.New()
	app1 := &models.Application{ID: uuid.New(), TaskID: task.ID, WorkerID: worker1, Status: models.ApplicationStatusPending}
	app2 := &models.Application{ID: uuid.New(), TaskID: task.ID, WorkerID: worker2, Status: models.ApplicationStatusPending}
	f.apps.Create(context.Background(), app1)
	f.apps.Create(context.Background(), app2)

	client := Actor{ID: clientID, Role: models.RoleClient}
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, id := range []uuid.UUID{app1.ID, app2.ID} {
		wg.Add(1)
		go func(i int, id uuid.UUID) {
			defer wg.Done()
			errs[i] = f.coord.AcceptApplication(context.Background(), client, id)
		}(i, id)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrStateConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("wins = %d, conflicts = %d, want exactly one of each", wins, conflicts)
	}
	if got := f.tasks.status(task.ID); got != models.TaskStatusAssigned {
		t.Errorf("task status = %q, want assigned", got)
	}
	accepted := 0
	for _, id := range []uuid.UUID{app1.ID, app2.ID} {
		if f.apps.statusOf(id) == models.ApplicationStatusAccepted {
			accepted++
		}
	}
	if accepted != 1 {
		t.Errorf("accepted applications = %d, want exactly 1", accepted)
	}
}

func TestApproveAndRelease_SettlesAtomically(t *testing.T) {
	clientID, workerID := uuid.New(), uuid.New()
	f := newFixture()
	task := fundedTask(f, models.TaskStatusSubmitted, clientID, &workerID, 10000)

	client := Actor{ID: clientID, Role: models.RoleClient}
	if err := f.coord.ApproveAndRelease(context.Background(), client, task.ID, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if got := f.tasks.status(task.ID); got != models.TaskStatusCompleted {
		t.Errorf("task status = %q, want completed", got)
	}
	if got := f.balances.balance(workerID); got != 10000 {
		t.Errorf("worker balance = %d, want 10000", got)
	}
	if got := f.records.status(task.ID); got != models.EscrowStatusReleased {
		t.Errorf("escrow status = %q, want released", got)
	}
}

func TestApproveAndRelease_ReplayIsNoop(t *testing.T) {
	clientID, workerID := uuid.New(), uuid.New()
	f := newFixture()
	task := fundedTask(f, models.TaskStatusSubmitted, clientID, &workerID, 10000)

	client := Actor{ID: clientID, Role: models.RoleClient}
	if err := f.coord.ApproveAndRelease(context.Background(), client, task.ID, "key-1"); err != nil {
		t.Fatal(err)
	}
	err := f.coord.ApproveAndRelease(context.Background(), client, task.ID, "key-1")
	if !errors.Is(err, ErrAlreadyProcessed) {
		t.Errorf("got %v, want ErrAlreadyProcessed", err)
	}
	if got := f.balances.balance(workerID); got != 10000 {
		t.Errorf("worker balance after replay = %d, want 10000", got)
	}
}

func TestApproveAndRelease_WorkerDenied(t *testing.T) {
	clientID, workerID := uuid.New(), uuid.New()
	f := newFixture()
	task := fundedTask(f, models.TaskStatusSubmitted, clientID, &workerID, 10000)

	err := f.coord.ApproveAndRelease(context.Background(), Actor{ID: workerID, Role: models.RoleWorker}, task.ID, "")
	var authErr *AuthorizationError
	if !errors.As(err, &authErr) {
		t.Errorf("got %v, want AuthorizationError", err)
	}
	if got := f.balances.balance(workerID); got != 0 {
		t.Errorf("worker balance = %d, want 0", got)
	}
}

func TestCancelTask_RefundsHeldFunds(t *testing.T) {
	clientID := uuid.New()
	f := newFixture()
	task := fundedTask(f, models.TaskStatusOpen, clientID, nil, 8000)

	client := Actor{ID: clientID, Role: models.RoleClient}
	if err := f.coord.CancelTask(context.Background(), client, task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := f.tasks.status(task.ID); got != models.TaskStatusCancelled {
		t.Errorf("task status = %q, want cancelled", got)
	}
	if got := f.balances.balance(clientID); got != 8000 {
		t.Errorf("client balance = %d, want 8000", got)
	}
	if got := f.records.status(task.ID); got != models.EscrowStatusRefunded {
		t.Errorf("escrow status = %q, want refunded", got)
	}
}

func TestCancelTask_DraftHasNothingToRefund(t *testing.T) {
	clientID := uuid.New()
	f := newFixture()
	task := fundedTask(f, models.TaskStatusDraft, clientID, nil, 8000)

	client := Actor{ID: clientID, Role: models.RoleClient}
	if err := f.coord.CancelTask(context.Background(), client, task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := f.balances.balance(clientID); got != 0 {
		t.Errorf("client balance = %d, want 0", got)
	}
	if f.records.settles != 0 {
		t.Errorf("settles = %d, want 0", f.records.settles)
	}
}

func TestCancelTask_SettledEscrowSurfacesViolation(t *testing.T) {
	clientID, workerID := uuid.New(), uuid.New()
	f := newFixture()
	task := fundedTask(f, models.TaskStatusInProgress, clientID, &workerID, 8000)

	// The escrow settled out from under a still-cancellable task:
	// conservation is broken and the cancel must not absorb it.
	if _, err := f.coord.Ledger.Release(context.Background(), nil, task.ID, workerID); err != nil {
		t.Fatal(err)
	}

	client := Actor{ID: clientID, Role: models.RoleClient}
	err := f.coord.CancelTask(context.Background(), client, task.ID)
	var invErr *LedgerInvariantViolation
	if !errors.As(err, &invErr) {
		t.Fatalf("got %v, want LedgerInvariantViolation", err)
	}
	if got := f.balances.balance(clientID); got != 0 {
		t.Errorf("client balance = %d, want 0 (no refund credit)", got)
	}
}

func TestSubmitEvidence_RecordsPayloadInAudit(t *testing.T) {
	clientID, workerID := uuid.New(), uuid.New()
	f := newFixture()
	task := fundedTask(f, models.TaskStatusInProgress, clientID, &workerID, 10000)

	evidence := json.RawMessage(`{"summary":"done, see attached","artifacts":[]}`)
	worker := Actor{ID: workerID, Role: models.RoleWorker}
	if err := f.coord.SubmitEvidence(context.Background(), worker, task.ID, evidence); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := f.tasks.status(task.ID); got != models.TaskStatusSubmitted {
		t.Errorf("task status = %q, want submitted", got)
	}
	entry := f.audit.last()
	if entry == nil || string(entry.Metadata) != string(evidence) {
		t.Error("evidence payload must be preserved in the audit entry")
	}
}

func TestDisputeLifecycle_RefundResolution(t *testing.T) {
	clientID, workerID := uuid.New(), uuid.New()
	f := newFixture()
	task := fundedTask(f, models.TaskStatusSubmitted, clientID, &workerID, 12000)

	client := Actor{ID: clientID, Role: models.RoleClient}
	dispute, err := f.coord.OpenDispute(context.Background(), client, task.ID, "deliverable does not match the brief at all")
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	if got := f.tasks.status(task.ID); got != models.TaskStatusDisputed {
		t.Errorf("task status = %q, want disputed", got)
	}

	mediator := Actor{ID: uuid.New(), Role: models.RoleMediator}
	if err := f.coord.ResolveDispute(context.Background(), mediator, dispute.ID, models.DisputeResolutionRefund, ""); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := f.tasks.status(task.ID); got != models.TaskStatusCancelled {
		t.Errorf("task status = %q, want cancelled", got)
	}
	if got := f.balances.balance(clientID); got != 12000 {
		t.Errorf("client balance = %d, want 12000", got)
	}
	if got := f.balances.balance(workerID); got != 0 {
		t.Errorf("worker balance = %d, want 0", got)
	}

	// A second resolution attempt finds the dispute settled.
	err = f.coord.ResolveDispute(context.Background(), mediator, dispute.ID, models.DisputeResolutionRelease, "")
	if !errors.Is(err, ErrAlreadyProcessed) {
		t.Errorf("second resolve: got %v, want ErrAlreadyProcessed", err)
	}
	if got := f.balances.balance(workerID); got != 0 {
		t.Errorf("worker balance after replay = %d, want 0", got)
	}
}

func TestResolveDispute_ReleasePaysWorker(t *testing.T) {
	clientID, workerID := uuid.New(), uuid.New()
	f := newFixture()
	task := fundedTask(f, models.TaskStatusSubmitted, clientID, &workerID, 9000)

	worker := Actor{ID: workerID, Role: models.RoleWorker}
	dispute, err := f.coord.OpenDispute(context.Background(), worker, task.ID, "client is unresponsive after my submission")
	if err != nil {
		t.Fatal(err)
	}
	mediator := Actor{ID: uuid.New(), Role: models.RoleMediator}
	if err := f.coord.ResolveDispute(context.Background(), mediator, dispute.ID, models.DisputeResolutionRelease, ""); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := f.tasks.status(task.ID); got != models.TaskStatusCompleted {
		t.Errorf("task status = %q, want completed", got)
	}
	if got := f.balances.balance(workerID); got != 9000 {
		t.Errorf("worker balance = %d, want 9000", got)
	}
}

func TestResolveDispute_NonMediatorDenied(t *testing.T) {
	clientID, workerID := uuid.New(), uuid.New()
	f := newFixture()
	task := fundedTask(f, models.TaskStatusSubmitted, clientID, &workerID, 9000)

	client := Actor{ID: clientID, Role: models.RoleClient}
	dispute, err := f.coord.OpenDispute(context.Background(), client, task.ID, "the submitted work is incomplete and late")
	if err != nil {
		t.Fatal(err)
	}
	err = f.coord.ResolveDispute(context.Background(), client, dispute.ID, models.DisputeResolutionRefund, "")
	var authErr *AuthorizationError
	if !errors.As(err, &authErr) {
		t.Errorf("got %v, want AuthorizationError", err)
	}
}

func TestExecuteWithdrawal_DebitAndEnqueueTogether(t *testing.T) {
	userID := uuid.New()
	f := newFixture()
	f.balances.CreditTx(context.Background(), nil, userID, 5000)

	worker := Actor{ID: userID, Role: models.RoleWorker}
	w, err := f.coord.ExecuteWithdrawal(context.Background(), worker, 3000, "")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := f.balances.balance(userID); got != 2000 {
		t.Errorf("balance = %d, want 2000", got)
	}
	if len(f.enqueued) != 1 {
		t.Fatalf("enqueued jobs = %d, want 1", len(f.enqueued))
	}
	if f.enqueued[0].WithdrawalID != w.ID || f.enqueued[0].AmountCents != 3000 {
		t.Errorf("enqueued args = %+v", f.enqueued[0])
	}
}

func TestExecuteWithdrawal_InsufficientFunds(t *testing.T) {
	userID := uuid.New()
	f := newFixture()
	f.balances.CreditTx(context.Background(), nil, userID, 1000)

	worker := Actor{ID: userID, Role: models.RoleWorker}
	_, err := f.coord.ExecuteWithdrawal(context.Background(), worker, 3000, "")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("got %v, want ErrInsufficientFunds", err)
	}
	if len(f.enqueued) != 0 {
		t.Errorf("enqueued jobs = %d, want 0", len(f.enqueued))
	}
}

func TestExecuteWithdrawal_DuplicateKey(t *testing.T) {
	userID := uuid.New()
	f := newFixture()
	f.balances.CreditTx(context.Background(), nil, userID, 5000)

	worker := Actor{ID: userID, Role: models.RoleWorker}
	if _, err := f.coord.ExecuteWithdrawal(context.Background(), worker, 2000, "retry-key"); err != nil {
		t.Fatal(err)
	}
	_, err := f.coord.ExecuteWithdrawal(context.Background(), worker, 2000, "retry-key")
	if !errors.Is(err, ErrAlreadyProcessed) {
		t.Errorf("got %v, want ErrAlreadyProcessed", err)
	}
	if got := f.balances.balance(userID); got != 3000 {
		t.Errorf("balance = %d, want 3000 (single debit)", got)
	}
}

func TestFailWithdrawal_RecreditsBalance(t *testing.T) {
	userID := uuid.New()
	f := newFixture()
	f.balances.CreditTx(context.Background(), nil, userID, 5000)

	worker := Actor{ID: userID, Role: models.RoleWorker}
	w, err := f.coord.ExecuteWithdrawal(context.Background(), worker, 4000, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.coord.FailWithdrawal(context.Background(), w.ID, "gateway rejected account"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if got := f.balances.balance(userID); got != 5000 {
		t.Errorf("balance = %d, want 5000 after re-credit", got)
	}
	if got := f.wdraws.statusOf(w.ID); got != models.WithdrawalStatusFailed {
		t.Errorf("withdrawal status = %q, want failed", got)
	}

	// Re-invocation on the terminal row must not credit again.
	if err := f.coord.FailWithdrawal(context.Background(), w.ID, "again"); err != nil {
		t.Fatal(err)
	}
	if got := f.balances.balance(userID); got != 5000 {
		t.Errorf("balance after replay = %d, want 5000", got)
	}
}

func TestCompleteTransfer_Idempotent(t *testing.T) {
	userID := uuid.New()
	f := newFixture()
	f.balances.CreditTx(context.Background(), nil, userID, 5000)

	worker := Actor{ID: userID, Role: models.RoleWorker}
	w, err := f.coord.ExecuteWithdrawal(context.Background(), worker, 4000, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.coord.CompleteTransfer(context.Background(), w.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := f.coord.CompleteTransfer(context.Background(), w.ID); !errors.Is(err, ErrAlreadyProcessed) {
		t.Errorf("got %v, want ErrAlreadyProcessed", err)
	}
}

func TestCompleteTransfer_FailedWithdrawalNeedsReview(t *testing.T) {
	userID := uuid.New()
	f := newFixture()
	f.balances.CreditTx(context.Background(), nil, userID, 5000)

	worker := Actor{ID: userID, Role: models.RoleWorker}
	w, err := f.coord.ExecuteWithdrawal(context.Background(), worker, 4000, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.coord.FailWithdrawal(context.Background(), w.ID, "gateway timeout"); err != nil {
		t.Fatal(err)
	}

	// A late transfer_completed for the failed withdrawal means the user was
	// re-credited and paid externally; the row must stay failed and the
	// conflict must surface instead of being absorbed.
	err = f.coord.CompleteTransfer(context.Background(), w.ID)
	if !errors.Is(err, ErrWithdrawalNeedsReview) {
		t.Errorf("got %v, want ErrWithdrawalNeedsReview", err)
	}
	if got := f.wdraws.statusOf(w.ID); got != models.WithdrawalStatusFailed {
		t.Errorf("withdrawal status = %q, want failed", got)
	}
	if got := f.balances.balance(userID); got != 5000 {
		t.Errorf("balance = %d, want 5000 (re-credit untouched)", got)
	}
}

func TestSubmitApplication_OwnTaskRejected(t *testing.T) {
	clientID := uuid.New()
	f := newFixture()
	task := fundedTask(f, models.TaskStatusOpen, clientID, nil, 10000)

	_, err := f.coord.SubmitApplication(context.Background(), Actor{ID: clientID, Role: models.RoleClient}, task.ID, "I will do my own task")
	var authErr *AuthorizationError
	if !errors.As(err, &authErr) {
		t.Errorf("got %v, want AuthorizationError", err)
	}
}
