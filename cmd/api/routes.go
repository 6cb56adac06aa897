package main

import (
	"net/http"

	"github.com/bountyboard/backend/internal/auth"
	"github.com/bountyboard/backend/internal/handlers"
	"github.com/bountyboard/backend/internal/middleware"
)

// RegisterRoutes adds all endpoints to the given mux.
// Middleware chain for the task API: BearerAuth -> handler. The webhook
// endpoint authenticates by HMAC signature instead.
func RegisterRoutes(
	mux *http.ServeMux,
	authHandler *auth.Handler,
	authSvc auth.Service,
	taskHandler *handlers.TaskHandler,
	webhookHandler *handlers.WebhookHandler,
) {
	mux.HandleFunc("POST /v1/auth/register", authHandler.Register)
	mux.HandleFunc("POST /v1/auth/login", authHandler.Login)

	bearer := middleware.BearerAuth(authSvc)

	mux.Handle("POST /v1/tasks", bearer(http.HandlerFunc(taskHandler.CreateTask)))
	mux.Handle("GET /v1/tasks", bearer(http.HandlerFunc(taskHandler.ListTasks)))
	mux.Handle("GET /v1/tasks/{id}", bearer(http.HandlerFunc(taskHandler.GetTask)))
	mux.Handle("GET /v1/tasks/{id}/audit", bearer(http.HandlerFunc(taskHandler.GetAuditTrail)))
	mux.Handle("POST /v1/tasks/{id}/cancel", bearer(http.HandlerFunc(taskHandler.CancelTask)))

	mux.Handle("POST /v1/tasks/{id}/applications", bearer(http.HandlerFunc(taskHandler.SubmitApplication)))
	mux.Handle("GET /v1/tasks/{id}/applications", bearer(http.HandlerFunc(taskHandler.ListApplications)))
	mux.Handle("POST /v1/applications/{id}/accept", bearer(http.HandlerFunc(taskHandler.AcceptApplication)))

	mux.Handle("POST /v1/tasks/{id}/start", bearer(http.HandlerFunc(taskHandler.StartTask)))
	mux.Handle("POST /v1/tasks/{id}/evidence", bearer(http.HandlerFunc(taskHandler.SubmitEvidence)))
	mux.Handle("POST /v1/tasks/{id}/approve", bearer(http.HandlerFunc(taskHandler.ApproveTask)))

	mux.Handle("POST /v1/tasks/{id}/disputes", bearer(http.HandlerFunc(taskHandler.OpenDispute)))
	mux.Handle("POST /v1/disputes/{id}/resolve", bearer(http.HandlerFunc(taskHandler.ResolveDispute)))

	mux.Handle("POST /v1/withdrawals", bearer(http.HandlerFunc(taskHandler.ExecuteWithdrawal)))
	mux.Handle("GET /v1/balance", bearer(http.HandlerFunc(taskHandler.GetBalance)))

	mux.HandleFunc("POST /v1/webhooks/gateway", webhookHandler.HandleEvent)
}
