package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"LeaderDrip/internal/csvparser"
	"LeaderDrip/internal/db"
	"LeaderDrip/internal/models"
	"LeaderDrip/internal/queue"
)

const maxImportBytes = 5 << 20

// ----------------------------
// POST /api/signup
// ----------------------------

type contextRequest struct {
	Role            string `json:"role" validate:"max=100"`
	TeamSize        string `json:"team_size" validate:"max=50"`
	Industry        string `json:"industry" validate:"max=100"`
	WorkEnvironment string `json:"work_environment" validate:"max=100"`
}

type signupRequest struct {
	Email    string          `json:"email" validate:"required,email,max=254"`
	Name     string          `json:"name" validate:"max=100"`
	Timezone string          `json:"timezone" validate:"required,timezone"`
	Goals    []string        `json:"goals" validate:"required,min=1,max=3,dive,required,max=500"`
	Context  *contextRequest `json:"context"`
}

func (req signupRequest) user() models.User {
	goals := make([]string, 0, len(req.Goals))
	for _, g := range req.Goals {
		goals = append(goals, strings.TrimSpace(g))
	}

	u := models.User{
		Email:    strings.TrimSpace(req.Email),
		Name:     strings.TrimSpace(req.Name),
		Timezone: req.Timezone,
		Goals:    goals,
		Active:   true,
	}
	if c := req.Context; c != nil {
		lc := &models.LeadershipContext{
			Role:            c.Role,
			TeamSize:        c.TeamSize,
			Industry:        c.Industry,
			WorkEnvironment: c.WorkEnvironment,
		}
		if !lc.Empty() {
			u.Context = lc
		}
	}
	return u
}

type signupResponse struct {
	ID     int64  `json:"id"`
	Email  string `json:"email"`
	Status string `json:"status"`
}

// Signup enrolls a user and queues their welcome email. Delivery is
// asynchronous; enqueue failures are logged and never reach the caller.
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if !decode(w, r, &req) {
		return
	}

	u := req.user()
	if err := h.Store.CreateUser(r.Context(), &u); err != nil {
		if errors.Is(err, db.ErrUserExists) {
			respondErr(w, http.StatusConflict, "email already enrolled")
			return
		}
		h.respondInternalErr(w, r, fmt.Errorf("create user: %w", err))
		return
	}

	h.enqueueWelcome(r, u)

	respond(w, http.StatusAccepted, signupResponse{ID: u.ID, Email: u.Email, Status: "enrolled"})
}

// enqueueWelcome detaches from the request so a client disconnect or the
// request timeout cannot drop the welcome job.
func (h *Handler) enqueueWelcome(r *http.Request, u models.User) {
	if err := h.Queue.EnqueueWelcome(context.WithoutCancel(r.Context()), u); err != nil {
		h.Log.Error("failed to enqueue welcome email",
			zap.Int64("user_id", u.ID),
			zap.Error(err),
		)
	}
}

// ----------------------------
// POST /admin/users/{email}/resend
// ----------------------------

type resendResponse struct {
	UserID int64 `json:"user_id"`
	Week   int   `json:"week"`
}

// Resend re-delivers the user's current week with fresh content. Every call
// produces a new email record.
func (h *Handler) Resend(w http.ResponseWriter, r *http.Request) {
	u, ok := h.userFromPath(w, r)
	if !ok {
		return
	}

	switch {
	case !u.Active:
		respondErr(w, http.StatusConflict, "user is inactive")
		return
	case u.ProgramWeek < models.WelcomeWeek:
		respondErr(w, http.StatusConflict, "no email delivered yet")
		return
	}

	if err := h.Queue.EnqueueResend(r.Context(), u, u.ProgramWeek); err != nil {
		if errors.Is(err, queue.ErrShuttingDown) {
			respondErr(w, http.StatusServiceUnavailable, "queue is shutting down")
			return
		}
		h.respondInternalErr(w, r, fmt.Errorf("enqueue resend: %w", err))
		return
	}

	respond(w, http.StatusAccepted, resendResponse{UserID: u.ID, Week: u.ProgramWeek})
}

// ----------------------------
// GET /admin/users/{email}/emails
// ----------------------------

type historyResponse struct {
	User   models.User          `json:"user"`
	Emails []models.EmailRecord `json:"emails"`
}

func (h *Handler) EmailHistory(w http.ResponseWriter, r *http.Request) {
	u, ok := h.userFromPath(w, r)
	if !ok {
		return
	}

	recs, err := h.Store.ListEmailRecords(r.Context(), u.ID)
	if err != nil {
		h.respondInternalErr(w, r, fmt.Errorf("list email records: %w", err))
		return
	}
	if recs == nil {
		recs = []models.EmailRecord{}
	}

	respond(w, http.StatusOK, historyResponse{User: u, Emails: recs})
}

func (h *Handler) userFromPath(w http.ResponseWriter, r *http.Request) (models.User, bool) {
	email, err := url.PathUnescape(chi.URLParam(r, "email"))
	if err != nil || email == "" {
		respondErr(w, http.StatusBadRequest, "invalid email in path")
		return models.User{}, false
	}

	u, err := h.Store.GetUserByEmail(r.Context(), email)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondErr(w, http.StatusNotFound, "user not found")
			return models.User{}, false
		}
		h.respondInternalErr(w, r, fmt.Errorf("get user: %w", err))
		return models.User{}, false
	}
	return u, true
}

// ----------------------------
// POST /admin/users/import
// ----------------------------

type importResponse struct {
	Created int                  `json:"created"`
	Failed  []csvparser.RowError `json:"failed"`
}

// ImportUsers enrolls every valid row of an uploaded CSV. The file may be
// sent as multipart field "file" or as the raw request body.
func (h *Handler) ImportUsers(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImportBytes)

	var src io.Reader = r.Body
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt == "multipart/form-data" {
		f, _, err := r.FormFile("file")
		if err != nil {
			respondErr(w, http.StatusBadRequest, "missing file field: "+err.Error())
			return
		}
		defer f.Close()
		src = f
	}

	rows, rowErrs, err := csvparser.Parse(src, csvparser.DefaultMaxRows)
	if err != nil {
		respondErr(w, http.StatusBadRequest, "invalid csv: "+err.Error())
		return
	}

	resp := importResponse{Failed: rowErrs}
	for _, row := range rows {
		req := signupRequest{Email: row.Email, Name: row.Name, Timezone: row.Timezone, Goals: row.Goals}
		if err := validate.Struct(req); err != nil {
			resp.Failed = append(resp.Failed, csvparser.RowError{
				Line:   row.Line,
				Email:  row.Email,
				Reason: joinFieldErrors(validationErrors(err)),
			})
			continue
		}

		u := row.User()
		if err := h.Store.CreateUser(r.Context(), &u); err != nil {
			reason := "could not create user"
			if errors.Is(err, db.ErrUserExists) {
				reason = "email already enrolled"
			} else {
				h.Log.Error("import: create user failed", zap.Int("line", row.Line), zap.Error(err))
			}
			resp.Failed = append(resp.Failed, csvparser.RowError{Line: row.Line, Email: row.Email, Reason: reason})
			continue
		}

		h.enqueueWelcome(r, u)
		resp.Created++
	}

	if resp.Failed == nil {
		resp.Failed = []csvparser.RowError{}
	}

	h.Log.Info("user import complete",
		zap.Int("created", resp.Created),
		zap.Int("failed", len(resp.Failed)),
	)
	respond(w, http.StatusOK, resp)
}

func joinFieldErrors(errs []fieldError) string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.Field+": "+e.Message)
	}
	return strings.Join(parts, "; ")
}
