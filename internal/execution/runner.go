// Package execution runs build sessions through their agent pipeline and
// closes the session's credit reservation when the run ends.
//
// A run either completes every stage and is settled against the metered
// usage, or it is refunded in full. There is no partial charge.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/autowebiq/backend/internal/agent"
	"github.com/autowebiq/backend/internal/billing"
	"github.com/autowebiq/backend/internal/ledger"
	"github.com/autowebiq/backend/internal/logging"
	"github.com/autowebiq/backend/internal/metrics"
	"github.com/autowebiq/backend/internal/models"
	"github.com/autowebiq/backend/internal/progress"
	"github.com/autowebiq/backend/internal/usage"
)

var (
	// ErrAgentInvocation wraps any error or panic raised by a stage.
	ErrAgentInvocation = errors.New("agent invocation failed")
	ErrTimeout         = errors.New("build timed out")
	ErrCancelled       = errors.New("build cancelled")
	ErrNotReserved     = errors.New("build session has no reservation")
)

type Config struct {
	Timeout   time.Duration `yaml:"timeout" env:"TIMEOUT"`
	Heartbeat time.Duration `yaml:"heartbeat" env:"HEARTBEAT"`
	Workers   int           `yaml:"workers" env:"WORKERS"`
	QueueSize int           `yaml:"queue_size" env:"QUEUE_SIZE"`
}

func DefaultConfig() Config {
	return Config{
		Timeout:   5 * time.Minute,
		Heartbeat: 5 * time.Second,
		Workers:   4,
		QueueSize: 64,
	}
}

// BuildArgs is the unit of queued work. It doubles as the River job args.
type BuildArgs struct {
	SessionID uuid.UUID      `json:"build_session_id"`
	Prompt    string         `json:"prompt"`
	Stages    []models.Stage `json:"stages"`
}

type Runner struct {
	coord   *billing.Coordinator
	store   ledger.Store
	agents  *agent.Registry
	usage   *usage.Accumulator
	pub     progress.Publisher
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewRunner(coord *billing.Coordinator, store ledger.Store, agents *agent.Registry, acc *usage.Accumulator, pub progress.Publisher, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Runner {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = def.Heartbeat
	}
	return &Runner{
		coord:   coord,
		store:   store,
		agents:  agents,
		usage:   acc,
		pub:     pub,
		cfg:     cfg,
		logger:  logging.OrNop(logger).Named("execution"),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *Runner) Config() Config { return r.cfg }

// Run executes one build. The returned Outcome is filled whenever the
// session reached a terminal status; the error explains a failed run.
func (r *Runner) Run(ctx context.Context, args BuildArgs) (billing.Outcome, error) {
	sess, err := r.coord.Session(ctx, args.SessionID)
	if err != nil {
		return billing.Outcome{}, err
	}
	log := r.logger.With(zap.Stringer("build_session_id", sess.ID), zap.Stringer("account_id", sess.AccountID))
	if sess.Status.Terminal() {
		log.Info("build already finished", zap.String("status", string(sess.Status)))
		out := billing.Outcome{SessionID: sess.ID, Status: sess.Status, Charged: sess.Charged, Refunded: sess.Refunded, AlreadySettled: true}
		if out.Balance, err = r.coord.Balance(ctx, sess.AccountID); err != nil {
			log.Warn("balance for finished build", zap.Error(err))
			return out, nil
		}
		r.publish(ctx, progress.TerminalEvent(sess, out.Balance))
		return out, nil
	}

	switch {
	case sess.CancelRequested:
		return r.fail(ctx, sess, ErrCancelled)
	case sess.Status == models.BuildRunning, sess.Status == models.BuildSettling, sess.Status == models.BuildFailed:
		log.Warn("build picked up mid-run, refunding", zap.String("status", string(sess.Status)))
		return r.fail(ctx, sess, fmt.Errorf("%w while %s", ErrWorkerLost, sess.Status))
	case sess.Status != models.BuildReserved || sess.ReservationTxID == nil:
		return billing.Outcome{}, fmt.Errorf("%w: status %s", ErrNotReserved, sess.Status)
	}

	if _, err := r.coord.MarkRunning(ctx, sess.ID); err != nil {
		return billing.Outcome{}, err
	}
	started := time.Now()
	r.metrics.BuildStarted()
	r.usage.Start(sess.ID)
	defer r.usage.End(sess.ID)
	log.Info("build started", zap.Int("stages", len(args.Stages)))

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	var out billing.Outcome
	if err = r.runStages(runCtx, sess, args); err == nil {
		err = r.checkpoint(runCtx, sess.ID)
	}
	if err == nil {
		out, err = r.settle(ctx, sess)
	}
	if err != nil {
		out, _ = r.fail(ctx, sess, err)
	}
	r.metrics.BuildFinished(string(out.Status), time.Since(started).Seconds())
	return out, err
}

func (r *Runner) runStages(ctx context.Context, sess *models.BuildSession, args BuildArgs) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: panic: %v", ErrAgentInvocation, p)
		}
	}()
	for i, st := range args.Stages {
		if err := r.checkpoint(ctx, sess.ID); err != nil {
			return err
		}
		if err := r.runStage(ctx, sess, i, len(args.Stages), st, args.Prompt); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) runStage(ctx context.Context, sess *models.BuildSession, i, total int, st models.Stage, prompt string) error {
	inv := &models.AgentInvocation{
		ID:             uuid.New(),
		BuildSessionID: sess.ID,
		Stage:          i,
		AgentType:      st.Agent,
		Model:          st.Model,
		Status:         models.InvocationIdle,
		StartedAt:      r.now(),
	}
	r.saveInvocation(ctx, inv)

	a, err := r.agents.Get(st.Agent)
	if err != nil {
		return r.failInvocation(ctx, inv, fmt.Errorf("%w: %w", ErrAgentInvocation, err))
	}

	for _, status := range []models.InvocationStatus{models.InvocationThinking, models.InvocationWorking} {
		inv.Status = status
		r.saveInvocation(ctx, inv)
		r.publish(ctx, models.ProgressEvent{
			Type:           models.EventAgentMessage,
			BuildSessionID: sess.ID,
			AgentType:      st.Agent,
			Status:         string(status),
			Progress:       stagePercent(i, total),
		})
	}

	res, err := r.invoke(ctx, sess.ID, a, st, prompt)
	if err != nil {
		return r.failInvocation(ctx, inv, err)
	}

	u := r.usage.Record(sess.ID, usage.Invocation{
		Agent:        st.Agent,
		Model:        st.Model,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
		Images:       res.ImageCount,
	})
	ended := r.now()
	inv.InputTokens = res.InputTokens
	inv.OutputTokens = res.OutputTokens
	inv.ImageCount = res.ImageCount
	inv.ComputedCost = u.Credits()
	inv.Status = models.InvocationCompleted
	inv.EndedAt = &ended
	r.saveInvocation(ctx, inv)
	r.metrics.Invocation(string(st.Agent), string(inv.Status))

	r.publish(ctx, models.ProgressEvent{
		Type:           models.EventAgentMessage,
		BuildSessionID: sess.ID,
		AgentType:      st.Agent,
		Status:         string(models.InvocationCompleted),
		Message:        fmt.Sprintf("%s finished using %d tokens", st.Agent, u.Tokens),
		Progress:       stagePercent(i+1, total),
	})
	return nil
}

type invokeResult struct {
	res agent.Result
	err error
}

// invoke calls the agent on a context that ignores cancellation and waits
// for it while sending heartbeats. When the build is cancelled or times
// out the wait stops; the call itself runs to completion and its result
// is discarded.
func (r *Runner) invoke(ctx context.Context, sessionID uuid.UUID, a agent.Agent, st models.Stage, prompt string) (agent.Result, error) {
	done := make(chan invokeResult, 1)
	callCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- invokeResult{err: fmt.Errorf("%w: %s panicked: %v", ErrAgentInvocation, st.Agent, p)}
			}
		}()
		res, err := a.Invoke(callCtx, st.Model, prompt)
		if err != nil {
			err = fmt.Errorf("%w: %s: %w", ErrAgentInvocation, st.Agent, err)
		}
		done <- invokeResult{res: res, err: err}
	}()

	ticker := time.NewTicker(r.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case out := <-done:
			return out.res, out.err
		case <-ctx.Done():
			return agent.Result{}, contextError(ctx)
		case <-ticker.C:
			r.publish(ctx, models.ProgressEvent{
				Type:           models.EventHeartbeat,
				BuildSessionID: sessionID,
				AgentType:      st.Agent,
				Status:         string(models.InvocationWorking),
			})
			if err := r.checkpoint(ctx, sessionID); err != nil {
				return agent.Result{}, err
			}
		}
	}
}

// checkpoint reports why the build must stop, if it must.
func (r *Runner) checkpoint(ctx context.Context, sessionID uuid.UUID) error {
	if ctx.Err() != nil {
		return contextError(ctx)
	}
	sess, err := r.coord.Session(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.CancelRequested {
		return ErrCancelled
	}
	return nil
}

func contextError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
}

func (r *Runner) settle(ctx context.Context, sess *models.BuildSession) (billing.Outcome, error) {
	bctx := context.WithoutCancel(ctx)
	if _, err := r.coord.MarkSettling(bctx, sess.ID); err != nil {
		return billing.Outcome{}, err
	}
	actual := r.usage.ActualCost(sess.ID)
	out, err := r.coord.Settle(bctx, sess.ID, *sess.ReservationTxID, actual)
	if err != nil {
		return billing.Outcome{}, err
	}
	r.publish(bctx, models.ProgressEvent{
		Type:           models.EventBuildComplete,
		BuildSessionID: sess.ID,
		Status:         string(out.Status),
		Message:        fmt.Sprintf("build complete, charged %d credits", out.Charged),
		Progress:       100,
		Charged:        &out.Charged,
		Refunded:       &out.Refunded,
		Balance:        &out.Balance,
	})
	r.logger.Info("build completed",
		zap.Stringer("build_session_id", sess.ID),
		zap.Int64("actual_cost", actual),
		zap.Int64("charged", out.Charged),
		zap.Int64("refunded", out.Refunded))
	return out, nil
}

// fail refunds the whole reservation and emits the terminal error event.
// It runs on a context that survives cancellation of ctx.
func (r *Runner) fail(ctx context.Context, sess *models.BuildSession, cause error) (billing.Outcome, error) {
	bctx := context.WithoutCancel(ctx)
	reason := models.RefundFailure
	if errors.Is(cause, ErrCancelled) {
		reason = models.RefundCancelled
	}
	if _, err := r.coord.MarkFailed(bctx, sess.ID, cause.Error()); err != nil && !errors.Is(err, billing.ErrInvalidTransition) {
		r.logger.Error("mark build failed", zap.Stringer("build_session_id", sess.ID), zap.Error(err))
	}

	resID := uuid.Nil
	if sess.ReservationTxID != nil {
		resID = *sess.ReservationTxID
	}
	out, err := r.coord.RefundFull(bctx, sess.ID, resID, reason)
	if err != nil {
		r.logger.Error("refund after failed build",
			zap.Stringer("build_session_id", sess.ID),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return billing.Outcome{}, fmt.Errorf("%w (refund failed: %w)", cause, err)
	}

	r.publish(bctx, models.ProgressEvent{
		Type:           models.EventBuildError,
		BuildSessionID: sess.ID,
		Status:         string(out.Status),
		Message:        cause.Error(),
		Progress:       100,
		Charged:        &out.Charged,
		Refunded:       &out.Refunded,
		Balance:        &out.Balance,
	})
	r.logger.Warn("build refunded",
		zap.Stringer("build_session_id", sess.ID),
		zap.String("reason", string(reason)),
		zap.Int64("refunded", out.Refunded),
		zap.Error(cause))
	return out, cause
}

func (r *Runner) failInvocation(ctx context.Context, inv *models.AgentInvocation, err error) error {
	ended := r.now()
	inv.Status = models.InvocationFailed
	inv.Error = err.Error()
	inv.EndedAt = &ended
	r.saveInvocation(context.WithoutCancel(ctx), inv)
	r.metrics.Invocation(string(inv.AgentType), string(inv.Status))
	return err
}

func (r *Runner) saveInvocation(ctx context.Context, inv *models.AgentInvocation) {
	if err := r.store.SaveInvocation(ctx, inv); err != nil {
		r.logger.Warn("save invocation",
			zap.Stringer("build_session_id", inv.BuildSessionID),
			zap.Int("stage", inv.Stage),
			zap.Error(err))
	}
}

func (r *Runner) publish(ctx context.Context, ev models.ProgressEvent) {
	if r.pub == nil {
		return
	}
	if err := r.pub.Publish(ctx, ev); err != nil && !errors.Is(err, progress.ErrTopicClosed) {
		r.logger.Warn("publish progress",
			zap.Stringer("build_session_id", ev.BuildSessionID),
			zap.String("type", string(ev.Type)),
			zap.Error(err))
	}
}

// stagePercent keeps the last percent point for the terminal event.
func stagePercent(done, total int) int {
	if total == 0 {
		return 0
	}
	return done * 99 / total
}
