package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autowebiq/backend/internal/auth"
	"github.com/autowebiq/backend/internal/billing"
	"github.com/autowebiq/backend/internal/builds"
	"github.com/autowebiq/backend/internal/execution"
	"github.com/autowebiq/backend/internal/handlers"
	"github.com/autowebiq/backend/internal/ledger"
	"github.com/autowebiq/backend/internal/pricing"
)

type nopQueue struct{}

func (nopQueue) Submit(_ context.Context, args execution.BuildArgs) (execution.Handle, error) {
	return execution.Handle{SessionID: args.SessionID}, nil
}

type nopStreamer struct{}

func (nopStreamer) Serve(w http.ResponseWriter, _ *http.Request, _ uuid.UUID) {
	w.WriteHeader(http.StatusNoContent)
}

func newTestServer(t *testing.T, health func(context.Context) error) (*httptest.Server, *auth.Tokens) {
	t.Helper()
	store := ledger.NewMemoryStore()
	coord := billing.NewCoordinator(store, billing.DefaultConfig(), nil, nil)
	svc := builds.NewService(pricing.NewEstimator(pricing.DefaultTable()), coord, store, nopQueue{}, nil, nil)
	tokens, err := auth.NewTokens("router-secret", "autowebiq", time.Hour)
	require.NoError(t, err)

	h := New(Deps{
		Builds:   &handlers.BuildHandler{Builds: svc, Events: nopStreamer{}},
		Credits:  &handlers.CreditsHandler{Credits: coord, Pricing: pricing.DefaultTable()},
		Verifier: tokens,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# metrics"))
		}),
		Health: health,
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, tokens
}

func do(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRouter_BuildLifecycle(t *testing.T) {
	srv, tokens := newTestServer(t, nil)
	acc := uuid.New()
	tok, err := tokens.Issue(acc)
	require.NoError(t, err)

	resp := do(t, http.MethodPost, srv.URL+"/v1/accounts", tok, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/v1/builds", tok,
		`{"stages":[{"agent_type":"frontend","model":"gpt-4o"}],"prompt":"landing page"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var started struct {
		BuildSessionID string `json:"build_session_id"`
		Balance        int64  `json:"balance"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	assert.Equal(t, int64(8), started.Balance)

	resp = do(t, http.MethodGet, srv.URL+"/v1/builds/"+started.BuildSessionID, tok, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/v1/builds/"+started.BuildSessionID+"/cancel", tok, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/v1/credits/balance", tok, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var bal struct {
		Balance int64 `json:"balance"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&bal))
	assert.Equal(t, int64(20), bal.Balance)

	resp = do(t, http.MethodPost, srv.URL+"/v1/builds", tok,
		`{"stages":[{"agent_type":"planner","model":"gpt-5"},{"agent_type":"frontend","model":"gpt-5"},{"agent_type":"backend","model":"gpt-5"},{"agent_type":"image","model":"dall-e-3"}],"has_images":true,"has_backend":true}`)
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
}

func TestRouter_AuthRequired(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	id := uuid.NewString()
	for _, route := range []struct{ method, path string }{
		{http.MethodPost, "/v1/accounts"},
		{http.MethodPost, "/v1/builds"},
		{http.MethodGet, "/v1/builds/" + id},
		{http.MethodPost, "/v1/builds/" + id + "/cancel"},
		{http.MethodGet, "/v1/builds/" + id + "/events"},
		{http.MethodGet, "/v1/credits/balance"},
		{http.MethodGet, "/v1/credits/transactions"},
		{http.MethodGet, "/v1/credits/summary"},
	} {
		resp := do(t, route.method, srv.URL+route.path, "", "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "%s %s", route.method, route.path)
	}
}

func TestRouter_PublicRoutes(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	assert.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/healthz", "", "").StatusCode)
	assert.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/metrics", "", "").StatusCode)
	assert.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/v1/pricing", "", "").StatusCode)
	assert.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/v1/credits/packages", "", "").StatusCode)
	assert.Equal(t, http.StatusOK, do(t, http.MethodPost, srv.URL+"/v1/estimate", "",
		`{"stages":[{"agent_type":"testing","model":"gemini-2.5-pro"}]}`).StatusCode)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, http.MethodDelete, srv.URL+"/v1/pricing", "", "").StatusCode)
}

func TestRouter_HealthReportsBackendFailure(t *testing.T) {
	srv, _ := newTestServer(t, func(context.Context) error { return errors.New("db down") })
	assert.Equal(t, http.StatusServiceUnavailable, do(t, http.MethodGet, srv.URL+"/healthz", "", "").StatusCode)
}
