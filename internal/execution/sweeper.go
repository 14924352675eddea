package execution

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/autowebiq/backend/internal/ledger"
	"github.com/autowebiq/backend/internal/logging"
	"github.com/autowebiq/backend/internal/models"
)

const sweepBatch = 500

// ErrWorkerLost is the failure recorded for builds the sweeper refunds.
var ErrWorkerLost = fmt.Errorf("%w: worker lost", ErrAgentInvocation)

// Sweeper refunds builds whose worker went away. A session still open
// longer than the runner timeout plus the worker grace can no longer be
// running anywhere.
type Sweeper struct {
	runner   *Runner
	store    ledger.Store
	interval time.Duration
	stale    time.Duration
	// queued extends the first sweep to Created and Reserved sessions, for
	// queues that do not survive a restart.
	queued bool
	logger *zap.Logger
	now    func() time.Time
}

func NewSweeper(runner *Runner, store ledger.Store, queued bool, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		runner:   runner,
		store:    store,
		interval: runner.cfg.Timeout,
		stale:    runner.cfg.Timeout + workerGrace,
		queued:   queued,
		logger:   logging.OrNop(logger).Named("sweeper"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps once at start and then every runner timeout until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	queued := s.queued
	for {
		if n, err := s.Sweep(ctx, queued); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("sweep abandoned builds", zap.Error(err))
		} else if n > 0 {
			s.logger.Info("abandoned builds refunded", zap.Int("count", n))
		}
		queued = false

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep refunds every abandoned session and reports how many it closed.
// Sessions that never started are included only when queued is set.
func (s *Sweeper) Sweep(ctx context.Context, queued bool) (int, error) {
	cutoff := s.now().Add(-s.stale)
	open, err := s.store.ListOpenSessions(ctx, cutoff, sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list open sessions: %w", err)
	}
	closed := 0
	for _, sess := range open {
		if !abandoned(sess, cutoff, queued) {
			continue
		}
		out, _ := s.runner.fail(ctx, sess, fmt.Errorf("%w while %s", ErrWorkerLost, sess.Status))
		if !out.Status.Terminal() {
			continue
		}
		closed++
		s.logger.Warn("abandoned build refunded",
			zap.Stringer("build_session_id", sess.ID),
			zap.String("status", string(sess.Status)),
			zap.Int64("refunded", out.Refunded))
	}
	return closed, nil
}

func abandoned(sess *models.BuildSession, cutoff time.Time, queued bool) bool {
	switch sess.Status {
	case models.BuildCreated, models.BuildReserved:
		return queued
	case models.BuildRunning, models.BuildSettling, models.BuildFailed:
		since := sess.CreatedAt
		if sess.StartedAt != nil {
			since = *sess.StartedAt
		}
		return since.Before(cutoff)
	}
	return false
}
