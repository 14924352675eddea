package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/autowebiq/backend/internal/agent"
	"github.com/autowebiq/backend/internal/auth"
	"github.com/autowebiq/backend/internal/billing"
	"github.com/autowebiq/backend/internal/builds"
	"github.com/autowebiq/backend/internal/config"
	"github.com/autowebiq/backend/internal/execution"
	"github.com/autowebiq/backend/internal/ledger"
	"github.com/autowebiq/backend/internal/logging"
	"github.com/autowebiq/backend/internal/metrics"
	"github.com/autowebiq/backend/internal/models"
	"github.com/autowebiq/backend/internal/pricing"
	"github.com/autowebiq/backend/internal/progress"
	"github.com/autowebiq/backend/internal/usage"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// runnable is a long-lived component started under the errgroup.
type runnable interface {
	Run(ctx context.Context) error
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	agents, err := agentRegistry(cfg.Agents, logger)
	if err != nil {
		return err
	}
	acc := usage.NewAccumulator(cfg.Pricing, logger)
	hub := progress.NewHub(cfg.Progress, logger, m).TrackFinished(sessionFinished(st.store))
	coord := billing.NewCoordinator(st.store, cfg.Billing(), logger, m)

	var background []runnable
	var pub progress.Publisher = hub
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		relay := progress.NewRedisRelay(rdb, hub, logger)
		pub = relay
		background = append(background, relay)
		logger.Info("progress relayed through redis", zap.String("addr", cfg.Redis.Addr))
	}

	runner := execution.NewRunner(coord, st.store, agents, acc, pub, cfg.Builds.Config, logger, m)

	var queue execution.Queue
	switch cfg.Builds.Queue {
	case config.QueueRiver:
		rq, err := execution.NewRiverQueue(st.pg, runner, cfg.Builds.Workers, logger)
		if err != nil {
			return err
		}
		queue = rq
		background = append(background, rq)
	default:
		p := execution.NewPool(runner, cfg.Builds.Workers, cfg.Builds.QueueSize, logger)
		queue = p
		background = append(background, p)
	}
	if cfg.Database.Backend != config.BackendMemory {
		background = append(background, execution.NewSweeper(runner, st.store, cfg.Builds.Queue != config.QueueRiver, logger))
	}

	tokens, err := auth.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	svc := builds.NewService(pricing.NewEstimator(cfg.Pricing), coord, st.store, queue, pub, logger)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           newHandler(cfg, svc, coord, progress.NewWSServer(hub, logger), tokens, m, st.health, logger),
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range background {
		g.Go(func() error { return r.Run(gctx) })
	}
	g.Go(func() error {
		logger.Info("starting HTTP server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.HTTP.ShutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

type openedStore struct {
	store  ledger.Store
	pg     *pgxpool.Pool
	health func(ctx context.Context) error
	close  func()
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (*openedStore, error) {
	switch cfg.Database.Backend {
	case config.BackendMemory:
		logger.Warn("using in-memory ledger; balances are lost on restart")
		return &openedStore{store: ledger.NewMemoryStore(), close: func() {}}, nil

	case config.BackendSQLite:
		s, err := ledger.OpenSQLite(cfg.Database.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info("opened sqlite ledger", zap.String("path", cfg.Database.SQLitePath))
		return &openedStore{store: s, close: func() { _ = s.Close() }}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("cannot reach PostgreSQL: %w", err)
	}
	logger.Info("connected to PostgreSQL")

	pg := ledger.NewPostgresStore(pool)
	if err := pg.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger migrate: %w", err)
	}
	if cfg.Builds.Queue == config.QueueRiver {
		migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("create river migrator: %w", err)
		}
		if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
			pool.Close()
			return nil, fmt.Errorf("river migrate up: %w", err)
		}
		logger.Info("river migrations applied")
	}
	return &openedStore{store: pg, pg: pool, health: pool.Ping, close: pool.Close}, nil
}

// sessionFinished lets the progress hub keep topics of ended builds closed.
func sessionFinished(store ledger.Store) progress.SessionFinished {
	return func(ctx context.Context, id uuid.UUID) (bool, error) {
		sess, err := store.GetSession(ctx, id)
		if errors.Is(err, ledger.ErrSessionNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return sess.Status.Terminal(), nil
	}
}

// agentRegistry registers a schema-checked HTTP agent for every agent type
// with a configured webhook. Builds naming an unregistered type fail and
// refund.
func agentRegistry(cfg config.Agents, logger *zap.Logger) (*agent.Registry, error) {
	schemas := agent.DefaultSchemas()
	if cfg.SchemaDir != "" {
		schemas = os.DirFS(cfg.SchemaDir)
	}
	validator, err := agent.NewValidator(schemas)
	if err != nil {
		return nil, fmt.Errorf("agent output schemas: %w", err)
	}

	reg := agent.NewRegistry()
	for _, t := range models.AgentTypes {
		url := cfg.URL(t)
		if url == "" {
			logger.Warn("no endpoint configured for agent type", zap.String("agent_type", string(t)))
			continue
		}
		reg.Register(t, validator.Checked(t, agent.NewHTTPAgent(t, url, cfg.Timeout), cfg.StrictOutput, logger))
	}
	return reg, nil
}
