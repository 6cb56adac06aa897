package services

import (
	"github.com/google/uuid"

	"github.com/bountyboard/backend/internal/models"
)

// Actions an actor can request against a task. Every action maps to exactly
// one edge set in the transition table below.
const (
	ActionFund           = "fund"
	ActionCancel         = "cancel"
	ActionAccept         = "accept"
	ActionStart          = "start"
	ActionSubmit         = "submit"
	ActionDispute        = "dispute"
	ActionApprove        = "approve"
	ActionResolveRelease = "resolve_release"
	ActionResolveRefund  = "resolve_refund"
)

// Actor roles relative to a task, as resolved by the capability check.
const (
	actorSystem   = "system"
	actorClient   = "client"
	actorWorker   = "worker"
	actorMediator = "mediator"
)

// Actor is the authenticated principal performing an action.
type Actor struct {
	ID   uuid.UUID
	Role string
}

// SystemActor is used for gateway-driven transitions (webhook activation).
var SystemActor = Actor{ID: uuid.Nil, Role: actorSystem}

// edge is one row of the canonical transition table: the action moves a task
// from any status in From to To, and only the named party may request it.
type edge struct {
	From []string
	To   string
	By   string
}

// transitions is the single source of truth for task lifecycle edges. Both
// validation and execution consult it; there is no second enumeration.
var transitions = map[string]edge{
	ActionFund:           {From: []string{models.TaskStatusDraft}, To: models.TaskStatusOpen, By: actorSystem},
	ActionCancel:         {From: []string{models.TaskStatusDraft, models.TaskStatusOpen, models.TaskStatusAssigned, models.TaskStatusInProgress}, To: models.TaskStatusCancelled, By: actorClient},
	ActionAccept:         {From: []string{models.TaskStatusOpen}, To: models.TaskStatusAssigned, By: actorClient},
	ActionStart:          {From: []string{models.TaskStatusAssigned}, To: models.TaskStatusInProgress, By: actorWorker},
	ActionSubmit:         {From: []string{models.TaskStatusAssigned, models.TaskStatusInProgress}, To: models.TaskStatusSubmitted, By: actorWorker},
	ActionDispute:        {From: []string{models.TaskStatusInProgress, models.TaskStatusSubmitted}, To: models.TaskStatusDisputed, By: ""}, // client or assigned worker
	ActionApprove:        {From: []string{models.TaskStatusSubmitted}, To: models.TaskStatusCompleted, By: actorClient},
	ActionResolveRelease: {From: []string{models.TaskStatusDisputed}, To: models.TaskStatusCompleted, By: actorMediator},
	ActionResolveRefund:  {From: []string{models.TaskStatusDisputed}, To: models.TaskStatusCancelled, By: actorMediator},
}

// Decision is the capability check's tagged result.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision             { return Decision{Allowed: true} }
func deny(reason string) Decision { return Decision{Allowed: false, Reason: reason} }

// Allow is the single capability-check function: may this actor perform this
// action on this task? Ownership and assignment checks live here and nowhere
// else.
func Allow(actor Actor, task *models.Task, action string) Decision {
	e, ok := transitions[action]
	if !ok {
		return deny("unknown action " + action)
	}

	switch e.By {
	case actorSystem:
		if actor.Role != actorSystem {
			return deny("only the payment gateway may fund a task")
		}
	case actorClient:
		if actor.ID != task.ClientID {
			return deny("caller does not own this task")
		}
	case actorWorker:
		if task.WorkerID == nil || actor.ID != *task.WorkerID {
			return deny("caller is not the assigned worker")
		}
	case actorMediator:
		if actor.Role != models.RoleMediator {
			return deny("caller is not a mediator")
		}
	default:
		// Dispute: either the client or the assigned worker.
		if actor.ID == task.ClientID {
			break
		}
		if task.WorkerID != nil && actor.ID == *task.WorkerID {
			break
		}
		return deny("only the client or the assigned worker may open a dispute")
	}
	return allow()
}

// ProposeTransition validates that actor may apply action to task given its
// current in-memory status and returns the target status. The read status is
// the optimistic-concurrency token: execution re-checks it with a
// conditional UPDATE, so a task moved by a concurrent actor surfaces as
// ErrStateConflict at commit, not here.
func ProposeTransition(task *models.Task, action string, actor Actor) (string, error) {
	if task.Frozen {
		return "", ErrTaskFrozen
	}
	if d := Allow(actor, task, action); !d.Allowed {
		return "", &AuthorizationError{Reason: d.Reason}
	}
	e := transitions[action]
	for _, from := range e.From {
		if task.Status == from {
			return e.To, nil
		}
	}
	return "", ErrStateConflict
}
