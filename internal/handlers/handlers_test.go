package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/autowebiq/backend/internal/billing"
	"github.com/autowebiq/backend/internal/builds"
	"github.com/autowebiq/backend/internal/execution"
	"github.com/autowebiq/backend/internal/ledger"
	"github.com/autowebiq/backend/internal/middleware"
	"github.com/autowebiq/backend/internal/models"
	"github.com/autowebiq/backend/internal/pricing"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type mockQueue struct {
	submitted []execution.BuildArgs
	err       error
}

func (q *mockQueue) Submit(_ context.Context, args execution.BuildArgs) (execution.Handle, error) {
	if q.err != nil {
		return execution.Handle{}, q.err
	}
	q.submitted = append(q.submitted, args)
	return execution.Handle{SessionID: args.SessionID, JobID: 42}, nil
}

type mockStreamer struct {
	served []uuid.UUID
}

func (m *mockStreamer) Serve(w http.ResponseWriter, _ *http.Request, sessionID uuid.UUID) {
	m.served = append(m.served, sessionID)
	w.WriteHeader(http.StatusSwitchingProtocols)
}

type testEnv struct {
	builds  *BuildHandler
	credits *CreditsHandler
	queue   *mockQueue
	stream  *mockStreamer
	coord   *billing.Coordinator
	account uuid.UUID
}

func newTestEnv(t *testing.T, bonus int64) *testEnv {
	t.Helper()
	store := ledger.NewMemoryStore()
	cfg := billing.DefaultConfig()
	cfg.SignupBonus = bonus
	coord := billing.NewCoordinator(store, cfg, nil, nil)
	acc := uuid.New()
	_, err := coord.OpenAccount(context.Background(), acc)
	require.NoError(t, err)

	q := &mockQueue{}
	st := &mockStreamer{}
	svc := builds.NewService(pricing.NewEstimator(pricing.DefaultTable()), coord, store, q, nil, nil)
	return &testEnv{
		builds:  &BuildHandler{Builds: svc, Events: st, Logger: zap.NewNop()},
		credits: &CreditsHandler{Credits: coord, Pricing: pricing.DefaultTable(), Logger: zap.NewNop()},
		queue:   q,
		stream:  st,
		coord:   coord,
		account: acc,
	}
}

func as(r *http.Request, accountID uuid.UUID) *http.Request {
	return r.WithContext(middleware.WithAccountID(r.Context(), accountID))
}

const frontendBuild = `{"stages":[{"agent_type":"frontend","model":"gpt-4o"}],"prompt":"portfolio site"}`

func startBuild(t *testing.T, env *testEnv) startBuildResponse {
	t.Helper()
	req := as(httptest.NewRequest(http.MethodPost, "/v1/builds", strings.NewReader(frontendBuild)), env.account)
	rec := httptest.NewRecorder()
	env.builds.StartBuild(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp startBuildResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

// =====================================================================
// POST /v1/estimate
// =====================================================================

func TestEstimate(t *testing.T) {
	env := newTestEnv(t, 20)
	req := httptest.NewRequest(http.MethodPost, "/v1/estimate", strings.NewReader(frontendBuild))
	rec := httptest.NewRecorder()
	env.builds.Estimate(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var est models.Estimate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &est))
	assert.Equal(t, int64(12), est.Total)
	assert.Len(t, est.Breakdown, 1)
}

func TestEstimate_BadInput(t *testing.T) {
	env := newTestEnv(t, 20)
	for name, body := range map[string]string{
		"invalid json":  `{`,
		"no stages":     `{"stages":[]}`,
		"unknown model": `{"stages":[{"agent_type":"frontend","model":"gpt-2"}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			env.builds.Estimate(rec, httptest.NewRequest(http.MethodPost, "/v1/estimate", strings.NewReader(body)))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

// =====================================================================
// POST /v1/builds
// =====================================================================

func TestStartBuild_Accepted(t *testing.T) {
	env := newTestEnv(t, 20)
	resp := startBuild(t, env)

	assert.Equal(t, models.BuildReserved, resp.Status)
	assert.Equal(t, int64(12), resp.Reserved)
	assert.Equal(t, int64(8), resp.Balance)
	assert.Equal(t, int64(42), resp.JobID)
	require.Len(t, env.queue.submitted, 1)
	assert.Equal(t, resp.BuildSessionID, env.queue.submitted[0].SessionID.String())
}

func TestStartBuild_InsufficientCredits(t *testing.T) {
	env := newTestEnv(t, 5)
	req := as(httptest.NewRequest(http.MethodPost, "/v1/builds", strings.NewReader(frontendBuild)), env.account)
	rec := httptest.NewRecorder()
	env.builds.StartBuild(rec, req)

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	var resp shortfallResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(12), resp.Required)
	assert.Equal(t, int64(5), resp.Available)
	assert.Equal(t, int64(7), resp.Shortfall)
	assert.Empty(t, env.queue.submitted)
}

func TestStartBuild_QueueFailureIs500(t *testing.T) {
	env := newTestEnv(t, 20)
	env.queue.err = errors.New("queue down")
	req := as(httptest.NewRequest(http.MethodPost, "/v1/builds", strings.NewReader(frontendBuild)), env.account)
	rec := httptest.NewRecorder()
	env.builds.StartBuild(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "queue down")
	bal, err := env.coord.Balance(context.Background(), env.account)
	require.NoError(t, err)
	assert.Equal(t, int64(20), bal)
}

func TestStartBuild_Unauthenticated(t *testing.T) {
	env := newTestEnv(t, 20)
	rec := httptest.NewRecorder()
	env.builds.StartBuild(rec, httptest.NewRequest(http.MethodPost, "/v1/builds", strings.NewReader(frontendBuild)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// =====================================================================
// /v1/builds/{id}
// =====================================================================

func TestGetAndCancelBuild(t *testing.T) {
	env := newTestEnv(t, 20)
	started := startBuild(t, env)

	get := as(httptest.NewRequest(http.MethodGet, "/v1/builds/"+started.BuildSessionID, nil), env.account)
	get.SetPathValue("id", started.BuildSessionID)
	rec := httptest.NewRecorder()
	env.builds.GetBuild(rec, get)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var view builds.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, models.BuildReserved, view.Session.Status)

	cancel := as(httptest.NewRequest(http.MethodPost, "/v1/builds/"+started.BuildSessionID+"/cancel", nil), env.account)
	cancel.SetPathValue("id", started.BuildSessionID)
	rec = httptest.NewRecorder()
	env.builds.CancelBuild(rec, cancel)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var sess models.BuildSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	assert.Equal(t, models.BuildRefunded, sess.Status)
	assert.Equal(t, int64(12), sess.Refunded)
}

func TestBuildRoutes_ForeignOrUnknownSessionIs404(t *testing.T) {
	env := newTestEnv(t, 20)
	started := startBuild(t, env)
	stranger := uuid.New()

	for name, fn := range map[string]http.HandlerFunc{
		"get":    env.builds.GetBuild,
		"cancel": env.builds.CancelBuild,
		"events": env.builds.StreamEvents,
	} {
		t.Run(name, func(t *testing.T) {
			req := as(httptest.NewRequest(http.MethodGet, "/", nil), stranger)
			req.SetPathValue("id", started.BuildSessionID)
			rec := httptest.NewRecorder()
			fn(rec, req)
			assert.Equal(t, http.StatusNotFound, rec.Code)
		})
	}
	assert.Empty(t, env.stream.served)
}

func TestBuildRoutes_InvalidID(t *testing.T) {
	env := newTestEnv(t, 20)
	req := as(httptest.NewRequest(http.MethodGet, "/v1/builds/nope", nil), env.account)
	req.SetPathValue("id", "nope")
	rec := httptest.NewRecorder()
	env.builds.GetBuild(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamEvents_OwnerIsServed(t *testing.T) {
	env := newTestEnv(t, 20)
	started := startBuild(t, env)

	req := as(httptest.NewRequest(http.MethodGet, "/v1/builds/"+started.BuildSessionID+"/events", nil), env.account)
	req.SetPathValue("id", started.BuildSessionID)
	rec := httptest.NewRecorder()
	env.builds.StreamEvents(rec, req)

	require.Len(t, env.stream.served, 1)
	assert.Equal(t, started.BuildSessionID, env.stream.served[0].String())
}

// =====================================================================
// /v1/accounts and /v1/credits
// =====================================================================

func TestOpenAccount(t *testing.T) {
	env := newTestEnv(t, 20)
	fresh := uuid.New()

	rec := httptest.NewRecorder()
	env.credits.OpenAccount(rec, as(httptest.NewRequest(http.MethodPost, "/v1/accounts", nil), fresh))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var acc models.Account
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acc))
	assert.Equal(t, fresh, acc.ID)
	assert.Equal(t, int64(20), acc.Balance)

	rec = httptest.NewRecorder()
	env.credits.OpenAccount(rec, as(httptest.NewRequest(http.MethodPost, "/v1/accounts", nil), fresh))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreditsEndpoints(t *testing.T) {
	env := newTestEnv(t, 20)
	startBuild(t, env)

	rec := httptest.NewRecorder()
	env.credits.Balance(rec, as(httptest.NewRequest(http.MethodGet, "/v1/credits/balance", nil), env.account))
	require.Equal(t, http.StatusOK, rec.Code)
	var bal struct {
		Balance int64 `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bal))
	assert.Equal(t, int64(8), bal.Balance)

	rec = httptest.NewRecorder()
	env.credits.Transactions(rec, as(httptest.NewRequest(http.MethodGet, "/v1/credits/transactions?limit=1", nil), env.account))
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Transactions []models.Transaction `json:"transactions"`
		Count        int                  `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, models.KindReservation, list.Transactions[0].Kind)

	rec = httptest.NewRecorder()
	env.credits.Summary(rec, as(httptest.NewRequest(http.MethodGet, "/v1/credits/summary", nil), env.account))
	require.Equal(t, http.StatusOK, rec.Code)
	var sum billing.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	assert.Equal(t, int64(12), sum.TotalSpent)
	assert.Equal(t, int64(20), sum.TotalBonus)
	assert.Equal(t, 2, sum.TransactionCount)
}

func TestTransactions_BadLimit(t *testing.T) {
	env := newTestEnv(t, 20)
	for _, limit := range []string{"0", "-3", "abc"} {
		rec := httptest.NewRecorder()
		env.credits.Transactions(rec, as(httptest.NewRequest(http.MethodGet, "/v1/credits/transactions?limit="+limit, nil), env.account))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "limit=%s", limit)
	}
}

func TestBalance_UnknownAccountIs404(t *testing.T) {
	env := newTestEnv(t, 20)
	rec := httptest.NewRecorder()
	env.credits.Balance(rec, as(httptest.NewRequest(http.MethodGet, "/v1/credits/balance", nil), uuid.New()))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPackagesAndPriceList(t *testing.T) {
	env := newTestEnv(t, 20)

	rec := httptest.NewRecorder()
	env.credits.Packages(rec, httptest.NewRequest(http.MethodGet, "/v1/credits/packages", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var pk struct {
		Packages []billing.Package `json:"packages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pk))
	assert.Len(t, pk.Packages, 3)

	rec = httptest.NewRecorder()
	env.credits.PriceList(rec, httptest.NewRequest(http.MethodGet, "/v1/pricing", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var pl priceList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pl))
	assert.Equal(t, int64(8), pl.AgentBase[models.AgentFrontend])
	assert.Equal(t, int64(1000), pl.MaxCostPerTask)
}
