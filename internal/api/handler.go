// Package api is the HTTP surface: public signup and delivery webhooks, plus
// the admin endpoints for queue inspection, manual triggers and resends.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"LeaderDrip/internal/models"
)

type Store interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUserByEmail(ctx context.Context, email string) (models.User, error)
	ListEmailRecords(ctx context.Context, userID int64) ([]models.EmailRecord, error)
	RecordDeliveryEvent(ctx context.Context, messageID string, event models.DeliveryEvent, at time.Time) error
	Ping(ctx context.Context) error
}

type Queue interface {
	EnqueueWelcome(ctx context.Context, user models.User) error
	EnqueueResend(ctx context.Context, user models.User, week int) error
	Status(ctx context.Context) (models.QueueStatus, error)
	Failed(ctx context.Context, limit int) ([]models.Job, error)
	Ping(ctx context.Context) error
}

type Trigger interface {
	TriggerNow(ctx context.Context) (models.BatchResult, error)
}

type Handler struct {
	Store     Store
	Queue     Queue
	Scheduler Trigger
	Log       *zap.Logger
}

// Routes wires the chi router. The returned handler is ready for http.Server.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	// ----------------------------
	// Middleware
	// ----------------------------
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", h.Health)

	// ----------------------------
	// Public
	// ----------------------------
	r.Route("/api", func(r chi.Router) {
		r.Post("/signup", h.Signup)
		r.Post("/webhooks/delivery", h.DeliveryWebhook)
	})

	// ----------------------------
	// Admin
	// ----------------------------
	r.Route("/admin", func(r chi.Router) {
		r.Get("/queue", h.QueueStatus)
		r.Get("/queue/failed", h.FailedJobs)
		r.Post("/trigger", h.TriggerBatch)

		r.Post("/users/import", h.ImportUsers)
		r.Post("/users/{email}/resend", h.Resend)
		r.Get("/users/{email}/emails", h.EmailHistory)
	})

	return r
}
