package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"LeaderDrip/internal/models"
	"LeaderDrip/internal/scheduler"
)

const (
	defaultFailedLimit = 50
	maxFailedLimit     = 500
	healthTimeout      = 2 * time.Second
)

func (h *Handler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.Queue.Status(r.Context())
	if err != nil {
		h.respondInternalErr(w, r, fmt.Errorf("queue status: %w", err))
		return
	}
	respond(w, http.StatusOK, st)
}

func (h *Handler) FailedJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultFailedLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondErr(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxFailedLimit)
	}

	jobs, err := h.Queue.Failed(r.Context(), limit)
	if err != nil {
		h.respondInternalErr(w, r, fmt.Errorf("list failed jobs: %w", err))
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	respond(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (h *Handler) TriggerBatch(w http.ResponseWriter, r *http.Request) {
	res, err := h.Scheduler.TriggerNow(r.Context())
	switch {
	case errors.Is(err, scheduler.ErrBatchInProgress):
		respondErr(w, http.StatusConflict, "a batch is already running")
		return
	case err != nil:
		h.Log.Warn("manual trigger failed", zap.Error(err))
		respondErr(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	respond(w, http.StatusOK, res)
}

type healthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
	Queue  string `json:"queue"`
}

// Health aggregates store connectivity and queue liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := healthResponse{Status: "healthy", Store: "ok", Queue: "ok"}
	status := http.StatusOK

	if err := h.Store.Ping(ctx); err != nil {
		h.Log.Warn("health: store unreachable", zap.Error(err))
		resp.Store = "unreachable"
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	if err := h.Queue.Ping(ctx); err != nil {
		h.Log.Warn("health: queue not live", zap.Error(err))
		resp.Queue = "down"
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}

	respond(w, status, resp)
}
