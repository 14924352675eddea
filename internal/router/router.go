package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/autowebiq/backend/internal/handlers"
	"github.com/autowebiq/backend/internal/middleware"
)

// Deps is everything the API mux routes to.
type Deps struct {
	Builds   *handlers.BuildHandler
	Credits  *handlers.CreditsHandler
	Verifier middleware.TokenVerifier
	Metrics  http.Handler
	// Health reports backend reachability; nil means always healthy.
	Health func(ctx context.Context) error
	Logger *zap.Logger
}

// New returns the API handler. Every /v1 route except the price list,
// the packages and the estimate requires a bearer token.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()
	auth := middleware.BearerAuth(d.Verifier)

	mux.HandleFunc("GET /healthz", health(d.Health))
	if d.Metrics != nil {
		mux.Handle("GET /metrics", d.Metrics)
	}

	mux.HandleFunc("GET /v1/pricing", d.Credits.PriceList)
	mux.HandleFunc("GET /v1/credits/packages", d.Credits.Packages)
	mux.HandleFunc("POST /v1/estimate", d.Builds.Estimate)

	mux.Handle("POST /v1/accounts", auth(http.HandlerFunc(d.Credits.OpenAccount)))
	mux.Handle("GET /v1/credits/balance", auth(http.HandlerFunc(d.Credits.Balance)))
	mux.Handle("GET /v1/credits/transactions", auth(http.HandlerFunc(d.Credits.Transactions)))
	mux.Handle("GET /v1/credits/summary", auth(http.HandlerFunc(d.Credits.Summary)))

	mux.Handle("POST /v1/builds", auth(http.HandlerFunc(d.Builds.StartBuild)))
	mux.Handle("GET /v1/builds/{id}", auth(http.HandlerFunc(d.Builds.GetBuild)))
	mux.Handle("POST /v1/builds/{id}/cancel", auth(http.HandlerFunc(d.Builds.CancelBuild)))
	mux.Handle("GET /v1/builds/{id}/events", auth(http.HandlerFunc(d.Builds.StreamEvents)))

	return middleware.RequestLog(d.Logger)(mux)
}

func health(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}
