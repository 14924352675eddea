package main

import (
	"context"
	"net/http"

	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/autowebiq/backend/internal/auth"
	"github.com/autowebiq/backend/internal/billing"
	"github.com/autowebiq/backend/internal/builds"
	"github.com/autowebiq/backend/internal/config"
	"github.com/autowebiq/backend/internal/handlers"
	"github.com/autowebiq/backend/internal/metrics"
	"github.com/autowebiq/backend/internal/progress"
	"github.com/autowebiq/backend/internal/router"
)

// newHandler builds the API mux and wraps it in CORS.
func newHandler(
	cfg config.Config,
	svc *builds.Service,
	coord *billing.Coordinator,
	ws *progress.WSServer,
	tokens *auth.Tokens,
	m *metrics.Metrics,
	health func(ctx context.Context) error,
	logger *zap.Logger,
) http.Handler {
	mux := router.New(router.Deps{
		Builds:   &handlers.BuildHandler{Builds: svc, Events: ws, Logger: logger},
		Credits:  &handlers.CreditsHandler{Credits: coord, Pricing: cfg.Pricing, Logger: logger},
		Verifier: tokens,
		Metrics:  m.Handler(),
		Health:   health,
		Logger:   logger,
	})

	return cors.New(cors.Options{
		AllowedOrigins:   cfg.HTTP.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(mux)
}
