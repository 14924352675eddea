package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/autowebiq/backend/internal/billing"
	"github.com/autowebiq/backend/internal/builds"
	"github.com/autowebiq/backend/internal/ledger"
	"github.com/autowebiq/backend/internal/middleware"
	"github.com/autowebiq/backend/internal/models"
	"github.com/autowebiq/backend/internal/pricing"
)

// BuildService is the subset of builds.Service needed by the handler.
type BuildService interface {
	Estimate(req pricing.Request) (models.Estimate, error)
	Start(ctx context.Context, accountID uuid.UUID, req builds.StartRequest) (*builds.Started, error)
	Get(ctx context.Context, accountID, sessionID uuid.UUID) (*builds.View, error)
	Cancel(ctx context.Context, accountID, sessionID uuid.UUID) (*models.BuildSession, error)
	Authorize(ctx context.Context, accountID, sessionID uuid.UUID) error
}

// EventStreamer streams a session's progress events over an upgraded connection.
type EventStreamer interface {
	Serve(w http.ResponseWriter, r *http.Request, sessionID uuid.UUID)
}

// BuildHandler serves /v1/estimate and /v1/builds endpoints.
type BuildHandler struct {
	Builds BuildService
	Events EventStreamer
	Logger *zap.Logger
}

// --- POST /v1/estimate ---

// Estimate prices a pipeline without reserving anything.
func (h *BuildHandler) Estimate(w http.ResponseWriter, r *http.Request) {
	var req pricing.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	est, err := h.Builds.Estimate(req)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

// --- POST /v1/builds ---

type startBuildResponse struct {
	BuildSessionID string             `json:"build_session_id"`
	Status         models.BuildStatus `json:"status"`
	Reserved       int64              `json:"reserved"`
	Balance        int64              `json:"balance"`
	Estimate       models.Estimate    `json:"estimate"`
	JobID          int64              `json:"job_id,omitempty"`
}

// StartBuild handles POST /v1/builds.
// Auth (via middleware) -> Validate -> Reserve -> Enqueue -> 202.
func (h *BuildHandler) StartBuild(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req builds.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	started, err := h.Builds.Start(r.Context(), accountID, req)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, startBuildResponse{
		BuildSessionID: started.Session.ID.String(),
		Status:         started.Session.Status,
		Reserved:       started.Reservation.Amount,
		Balance:        started.Reservation.BalanceAfter,
		Estimate:       started.Session.Estimate,
		JobID:          started.Handle.JobID,
	})
}

// --- GET /v1/builds/{id} ---

func (h *BuildHandler) GetBuild(w http.ResponseWriter, r *http.Request) {
	accountID, sessionID, ok := h.scope(w, r)
	if !ok {
		return
	}
	view, err := h.Builds.Get(r.Context(), accountID, sessionID)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// --- POST /v1/builds/{id}/cancel ---

// CancelBuild refunds a queued build at once; a running build stops at its
// next stage boundary and is refunded by the worker.
func (h *BuildHandler) CancelBuild(w http.ResponseWriter, r *http.Request) {
	accountID, sessionID, ok := h.scope(w, r)
	if !ok {
		return
	}
	sess, err := h.Builds.Cancel(r.Context(), accountID, sessionID)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// --- GET /v1/builds/{id}/events ---

func (h *BuildHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	accountID, sessionID, ok := h.scope(w, r)
	if !ok {
		return
	}
	if err := h.Builds.Authorize(r.Context(), accountID, sessionID); err != nil {
		writeError(w, h.Logger, err)
		return
	}
	h.Events.Serve(w, r, sessionID)
}

// --- helpers ---

// scope returns the caller and the {id} path value, writing the error
// response itself when either is missing.
func (h *BuildHandler) scope(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	accountID, ok := middleware.AccountIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return uuid.Nil, uuid.Nil, false
	}
	sessionID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid build id"}`, http.StatusBadRequest)
		return uuid.Nil, uuid.Nil, false
	}
	return accountID, sessionID, true
}

type shortfallResponse struct {
	Error     string `json:"error"`
	Required  int64  `json:"required"`
	Available int64  `json:"available"`
	Shortfall int64  `json:"shortfall"`
}

// writeError maps domain errors onto HTTP statuses. Anything unrecognised
// is logged and reported as 500 without detail.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var short *billing.InsufficientCreditsError
	switch {
	case errors.As(err, &short):
		writeJSON(w, http.StatusPaymentRequired, shortfallResponse{
			Error:     "insufficient credits",
			Required:  short.Required,
			Available: short.Available,
			Shortfall: short.Shortfall,
		})
	case billing.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, billing.ErrInvalidTransition), errors.Is(err, ledger.ErrAccountExists):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, builds.ErrInvalidRequest),
		errors.Is(err, billing.ErrInvalidAmount),
		errors.Is(err, billing.ErrUnknownPackage):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		if logger != nil {
			logger.Error("request failed", zap.Error(err))
		}
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
