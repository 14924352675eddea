package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/autowebiq/backend/internal/billing"
	"github.com/autowebiq/backend/internal/middleware"
	"github.com/autowebiq/backend/internal/models"
	"github.com/autowebiq/backend/internal/pricing"
)

const (
	defaultTransactionLimit = 50
	maxTransactionLimit     = 500
)

// Credits is the subset of billing.Coordinator needed by the handler.
type Credits interface {
	OpenAccount(ctx context.Context, accountID uuid.UUID) (*models.Account, error)
	Balance(ctx context.Context, accountID uuid.UUID) (int64, error)
	Transactions(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Transaction, error)
	Summary(ctx context.Context, accountID uuid.UUID) (billing.Summary, error)
	Packages() []billing.Package
}

// CreditsHandler serves /v1/accounts and /v1/credits endpoints.
type CreditsHandler struct {
	Credits Credits
	Pricing pricing.Table
	Logger  *zap.Logger
}

// OpenAccount handles POST /v1/accounts: the token's subject becomes a
// credit account holding the signup bonus.
func (h *CreditsHandler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	acc, err := h.Credits.OpenAccount(r.Context(), accountID)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, acc)
}

// GET /v1/credits/balance
func (h *CreditsHandler) Balance(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	bal, err := h.Credits.Balance(r.Context(), accountID)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account_id": accountID, "balance": bal})
}

// GET /v1/credits/transactions?limit=
func (h *CreditsHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	limit := defaultTransactionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, `{"error":"limit must be a positive integer"}`, http.StatusBadRequest)
			return
		}
		limit = min(n, maxTransactionLimit)
	}
	txns, err := h.Credits.Transactions(r.Context(), accountID, limit)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	if txns == nil {
		txns = []*models.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txns, "count": len(txns)})
}

// GET /v1/credits/summary
func (h *CreditsHandler) Summary(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	sum, err := h.Credits.Summary(r.Context(), accountID)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// Packages handles GET /v1/credits/packages (public, no auth).
func (h *CreditsHandler) Packages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"packages": h.Credits.Packages()})
}

type priceList struct {
	AgentBase      map[models.AgentType]int64 `json:"agent_base"`
	ModelBase      map[models.Model]int64     `json:"model_base"`
	MaxCostPerTask int64                      `json:"max_cost_per_task"`
	DiscountPct    int64                      `json:"multi_agent_discount_pct"`
	DiscountFrom   int                        `json:"multi_agent_discount_from"`
}

// PriceList handles GET /v1/pricing (public, no auth).
func (h *CreditsHandler) PriceList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, priceList{
		AgentBase:      h.Pricing.AgentBase,
		ModelBase:      h.Pricing.ModelBase,
		MaxCostPerTask: h.Pricing.MaxCostPerTask,
		DiscountPct:    h.Pricing.DiscountPct,
		DiscountFrom:   h.Pricing.DiscountMinAgents,
	})
}
