// Package builds is the inbound entry point for build work: it prices a
// pipeline, opens the session with its reservation and hands it to the
// execution queue.
package builds

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/autowebiq/backend/internal/billing"
	"github.com/autowebiq/backend/internal/execution"
	"github.com/autowebiq/backend/internal/ledger"
	"github.com/autowebiq/backend/internal/logging"
	"github.com/autowebiq/backend/internal/models"
	"github.com/autowebiq/backend/internal/pricing"
	"github.com/autowebiq/backend/internal/progress"
)

var ErrInvalidRequest = errors.New("invalid build request")

// StartRequest is a pricing request plus the prompt handed to each agent.
type StartRequest struct {
	pricing.Request
	Prompt string `json:"prompt"`
}

type Started struct {
	Session     *models.BuildSession `json:"build_session"`
	Reservation billing.Reservation  `json:"reservation"`
	Handle      execution.Handle     `json:"handle"`
}

// View is a session together with its per-stage invocations.
type View struct {
	Session     *models.BuildSession      `json:"build_session"`
	Invocations []*models.AgentInvocation `json:"invocations"`
}

type Service struct {
	estimator *pricing.Estimator
	coord     *billing.Coordinator
	store     ledger.Store
	queue     execution.Queue
	pub       progress.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewService wires the build entry point. pub may be nil when nobody
// streams progress.
func NewService(est *pricing.Estimator, coord *billing.Coordinator, store ledger.Store, queue execution.Queue, pub progress.Publisher, logger *zap.Logger) *Service {
	return &Service{
		estimator: est,
		coord:     coord,
		store:     store,
		queue:     queue,
		pub:       pub,
		logger:    logging.OrNop(logger).Named("builds"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Estimate(req pricing.Request) (models.Estimate, error) {
	if err := validate(req); err != nil {
		return models.Estimate{}, err
	}
	return s.estimator.Estimate(req), nil
}

// Start reserves the estimate and enqueues the build. Nothing stays
// reserved if enqueueing fails.
func (s *Service) Start(ctx context.Context, accountID uuid.UUID, req StartRequest) (*Started, error) {
	est, err := s.Estimate(req.Request)
	if err != nil {
		return nil, err
	}
	sess := &models.BuildSession{
		ID:        uuid.New(),
		AccountID: accountID,
		Estimate:  est,
		Status:    models.BuildCreated,
		CreatedAt: s.now(),
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	log := s.logger.With(zap.Stringer("build_session_id", sess.ID), zap.Stringer("account_id", accountID))

	res, err := s.coord.Reserve(ctx, accountID, sess.ID, est.Total)
	if err != nil {
		if _, cerr := s.coord.RefundFull(context.WithoutCancel(ctx), sess.ID, uuid.Nil, models.RefundCancelled); cerr != nil {
			log.Warn("close unreserved session", zap.Error(cerr))
		}
		return nil, err
	}

	handle, err := s.queue.Submit(ctx, execution.BuildArgs{SessionID: sess.ID, Prompt: req.Prompt, Stages: req.Stages})
	if err != nil {
		log.Error("enqueue build", zap.Error(err))
		if _, rerr := s.coord.RefundFull(context.WithoutCancel(ctx), sess.ID, res.TransactionID, models.RefundFailure); rerr != nil {
			log.Error("refund after enqueue failure", zap.Error(rerr))
		}
		return nil, fmt.Errorf("enqueue build: %w", err)
	}

	current, err := s.coord.Session(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	log.Info("build queued", zap.Int64("reserved", res.Amount), zap.Int64("balance", res.BalanceAfter))
	return &Started{Session: current, Reservation: res, Handle: handle}, nil
}

func (s *Service) Get(ctx context.Context, accountID, sessionID uuid.UUID) (*View, error) {
	sess, err := s.owned(ctx, accountID, sessionID)
	if err != nil {
		return nil, err
	}
	invs, err := s.store.ListInvocations(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &View{Session: sess, Invocations: invs}, nil
}

// Cancel refunds a build that has not started and publishes its terminal
// event. A running build is only flagged; its runner emits the event.
func (s *Service) Cancel(ctx context.Context, accountID, sessionID uuid.UUID) (*models.BuildSession, error) {
	before, err := s.owned(ctx, accountID, sessionID)
	if err != nil {
		return nil, err
	}
	sess, err := s.coord.RequestCancel(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !before.Status.Terminal() && sess.Status.Terminal() {
		s.publishTerminal(context.WithoutCancel(ctx), sess)
	}
	return sess, nil
}

func (s *Service) publishTerminal(ctx context.Context, sess *models.BuildSession) {
	if s.pub == nil {
		return
	}
	log := s.logger.With(zap.Stringer("build_session_id", sess.ID))
	balance, err := s.coord.Balance(ctx, sess.AccountID)
	if err != nil {
		log.Warn("balance for terminal event", zap.Error(err))
		return
	}
	if err := s.pub.Publish(ctx, progress.TerminalEvent(sess, balance)); err != nil && !errors.Is(err, progress.ErrTopicClosed) {
		log.Warn("publish terminal event", zap.Error(err))
	}
}

// Authorize reports ledger.ErrSessionNotFound unless the session belongs to accountID.
func (s *Service) Authorize(ctx context.Context, accountID, sessionID uuid.UUID) error {
	_, err := s.owned(ctx, accountID, sessionID)
	return err
}

func (s *Service) owned(ctx context.Context, accountID, sessionID uuid.UUID) (*models.BuildSession, error) {
	sess, err := s.coord.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.AccountID != accountID {
		return nil, ledger.ErrSessionNotFound
	}
	return sess, nil
}

func validate(req pricing.Request) error {
	if len(req.Stages) == 0 {
		return fmt.Errorf("%w: at least one stage is required", ErrInvalidRequest)
	}
	for i, st := range req.Stages {
		if !st.Agent.Valid() {
			return fmt.Errorf("%w: stage %d: unknown agent type %q", ErrInvalidRequest, i, st.Agent)
		}
		if !st.Model.Valid() {
			return fmt.Errorf("%w: stage %d: unknown model %q", ErrInvalidRequest, i, st.Model)
		}
	}
	if req.TokenCount < 0 || req.ImageCount < 0 {
		return fmt.Errorf("%w: counts must not be negative", ErrInvalidRequest)
	}
	return nil
}
