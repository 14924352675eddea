// Package billing reserves, settles and refunds credits for build sessions.
//
// Every mutation runs inside ledger.Store.WithAccount, so the ledger write
// and the session status change commit together under the account lock.
// Settle and RefundFull are idempotent: once a session is terminal they
// return the recorded outcome without touching the ledger.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/autowebiq/backend/internal/ledger"
	"github.com/autowebiq/backend/internal/logging"
	"github.com/autowebiq/backend/internal/metrics"
	"github.com/autowebiq/backend/internal/models"
)

const tracerName = "github.com/autowebiq/backend/internal/billing"

type Config struct {
	SignupBonus    int64
	MaxCostPerTask int64
	Packages       []Package
}

func DefaultConfig() Config {
	return Config{
		SignupBonus:    models.SignupBonusCredits,
		MaxCostPerTask: models.MaxCostPerTask,
		Packages:       DefaultPackages(),
	}
}

// Reservation is the result of a successful Reserve.
type Reservation struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	Amount        int64     `json:"amount"`
	BalanceAfter  int64     `json:"balance_after"`
}

// Outcome describes how a session's reservation was closed.
type Outcome struct {
	SessionID  uuid.UUID          `json:"build_session_id"`
	Status     models.BuildStatus `json:"status"`
	Reserved   int64              `json:"reserved"`
	ActualCost int64              `json:"actual_cost"`
	Charged    int64              `json:"charged"`
	Refunded   int64              `json:"refunded"`
	Balance    int64              `json:"balance"`
	// AlreadySettled is set when the session was terminal before the call.
	AlreadySettled bool `json:"already_settled"`
}

type Coordinator struct {
	store   ledger.Store
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

func NewCoordinator(store ledger.Store, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Coordinator {
	if cfg.MaxCostPerTask <= 0 {
		cfg.MaxCostPerTask = models.MaxCostPerTask
	}
	if cfg.Packages == nil {
		cfg.Packages = DefaultPackages()
	}
	return &Coordinator{
		store:   store,
		cfg:     cfg,
		logger:  logging.OrNop(logger).Named("billing"),
		metrics: m,
		tracer:  otel.Tracer(tracerName),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Reserve debits amount for a Created session. Nothing is written when the
// balance is short.
func (c *Coordinator) Reserve(ctx context.Context, accountID, sessionID uuid.UUID, amount int64) (res Reservation, err error) {
	ctx, span := c.startSpan(ctx, "billing.Reserve", accountID, sessionID, attribute.Int64("amount", amount))
	defer func() { endSpan(span, err) }()

	if amount <= 0 || amount > c.cfg.MaxCostPerTask {
		c.metrics.Reservation("invalid")
		return Reservation{}, fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidAmount, amount, c.cfg.MaxCostPerTask)
	}

	err = c.store.WithAccount(ctx, accountID, func(tx ledger.Tx) error {
		s, err := lockedSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if s.Status == models.BuildReserved && s.ReservationTxID != nil {
			prev, err := tx.Transaction(ctx, *s.ReservationTxID)
			if err != nil {
				return err
			}
			res = Reservation{TransactionID: prev.ID, Amount: -prev.Amount, BalanceAfter: prev.BalanceAfter}
			return nil
		}
		if s.Status != models.BuildCreated {
			return fmt.Errorf("%w: reserve from %s", ErrInvalidTransition, s.Status)
		}

		balance, err := tx.Balance(ctx)
		if err != nil {
			return err
		}
		if balance < amount {
			return insufficient(amount, balance)
		}

		sid := s.ID
		entry := &models.Transaction{
			AccountID:      accountID,
			Kind:           models.KindReservation,
			Amount:         -amount,
			BuildSessionID: &sid,
			Detail: models.TransactionDetail{Reservation: &models.ReservationDetail{
				EstimateTotal: s.Estimate.Total,
				AgentCount:    len(s.Estimate.Breakdown),
			}},
		}
		if err := tx.Append(ctx, entry); err != nil {
			return err
		}
		s.Status = models.BuildReserved
		s.ReservationTxID = &entry.ID
		if err := tx.UpdateSession(ctx, s); err != nil {
			return err
		}
		res = Reservation{TransactionID: entry.ID, Amount: amount, BalanceAfter: entry.BalanceAfter}
		return nil
	})

	var short *InsufficientCreditsError
	switch {
	case errors.As(err, &short):
		c.metrics.Reservation("insufficient")
		c.logger.Info("reservation refused",
			zap.Stringer("account_id", accountID),
			zap.Stringer("build_session_id", sessionID),
			zap.Int64("required", short.Required),
			zap.Int64("available", short.Available))
		return Reservation{}, err
	case err != nil:
		c.metrics.Reservation("error")
		return Reservation{}, err
	}
	c.metrics.Reservation("ok")
	c.metrics.Credits(string(models.KindReservation), amount)
	c.logger.Info("credits reserved",
		zap.Stringer("account_id", accountID),
		zap.Stringer("build_session_id", sessionID),
		zap.Int64("amount", amount),
		zap.Int64("balance", res.BalanceAfter))
	return res, nil
}

// Settle charges min(actualCost, reserved) and refunds the surplus.
func (c *Coordinator) Settle(ctx context.Context, sessionID, reservationTxID uuid.UUID, actualCost int64) (out Outcome, err error) {
	accountID, err := c.sessionAccount(ctx, sessionID)
	if err != nil {
		return Outcome{}, err
	}
	ctx, span := c.startSpan(ctx, "billing.Settle", accountID, sessionID, attribute.Int64("actual_cost", actualCost))
	defer func() { endSpan(span, err) }()

	err = c.store.WithAccount(ctx, accountID, func(tx ledger.Tx) error {
		s, err := lockedSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if s.Status.Terminal() {
			out, err = recordedOutcome(ctx, tx, s)
			return err
		}
		if s.Status != models.BuildRunning && s.Status != models.BuildSettling {
			return fmt.Errorf("%w: settle from %s", ErrInvalidTransition, s.Status)
		}
		out, err = c.settleLocked(ctx, tx, s, reservationTxID, actualCost)
		return err
	})
	if err != nil {
		return Outcome{}, err
	}
	c.recordOutcome(out)
	return out, nil
}

// RefundFull returns the whole reservation. A session that never reserved
// moves to Refunded with a zero refund, but only when reservationTxID is
// uuid.Nil.
func (c *Coordinator) RefundFull(ctx context.Context, sessionID, reservationTxID uuid.UUID, reason models.RefundReason) (out Outcome, err error) {
	accountID, err := c.sessionAccount(ctx, sessionID)
	if err != nil {
		return Outcome{}, err
	}
	ctx, span := c.startSpan(ctx, "billing.RefundFull", accountID, sessionID, attribute.String("reason", string(reason)))
	defer func() { endSpan(span, err) }()

	err = c.store.WithAccount(ctx, accountID, func(tx ledger.Tx) error {
		s, err := lockedSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if s.Status.Terminal() {
			out, err = recordedOutcome(ctx, tx, s)
			return err
		}
		if reservationTxID != uuid.Nil && (s.ReservationTxID == nil || *s.ReservationTxID != reservationTxID) {
			return ErrReservationNotFound
		}
		out, err = c.refundLocked(ctx, tx, s, reason)
		return err
	})
	if err != nil {
		return Outcome{}, err
	}
	c.recordOutcome(out)
	return out, nil
}

// MarkRunning moves a Reserved session to Running. Calling it on a Running
// session is a no-op.
func (c *Coordinator) MarkRunning(ctx context.Context, sessionID uuid.UUID) (*models.BuildSession, error) {
	return c.transition(ctx, sessionID, models.BuildRunning, func(s *models.BuildSession) {
		now := c.now()
		s.StartedAt = &now
	})
}

func (c *Coordinator) MarkSettling(ctx context.Context, sessionID uuid.UUID) (*models.BuildSession, error) {
	return c.transition(ctx, sessionID, models.BuildSettling, nil)
}

// MarkFailed records the failure reason. The reservation stays open until
// RefundFull.
func (c *Coordinator) MarkFailed(ctx context.Context, sessionID uuid.UUID, reason string) (*models.BuildSession, error) {
	return c.transition(ctx, sessionID, models.BuildFailed, func(s *models.BuildSession) {
		s.FailureReason = reason
	})
}

// RequestCancel refunds immediately when the build has not started and
// otherwise flags the session for the runner to stop at its next stage
// boundary. Terminal sessions are returned unchanged.
func (c *Coordinator) RequestCancel(ctx context.Context, sessionID uuid.UUID) (sess *models.BuildSession, err error) {
	accountID, err := c.sessionAccount(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ctx, span := c.startSpan(ctx, "billing.RequestCancel", accountID, sessionID)
	defer func() { endSpan(span, err) }()

	var refunded *Outcome
	err = c.store.WithAccount(ctx, accountID, func(tx ledger.Tx) error {
		s, err := lockedSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		switch s.Status {
		case models.BuildCompleted, models.BuildRefunded:
		case models.BuildCreated, models.BuildReserved:
			s.CancelRequested = true
			out, err := c.refundLocked(ctx, tx, s, models.RefundCancelled)
			if err != nil {
				return err
			}
			refunded = &out
		case models.BuildRunning, models.BuildSettling, models.BuildFailed:
			if !s.CancelRequested {
				s.CancelRequested = true
				if err := tx.UpdateSession(ctx, s); err != nil {
					return err
				}
			}
		}
		sess = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	if refunded != nil {
		c.recordOutcome(*refunded)
	}
	c.logger.Info("cancel requested",
		zap.Stringer("build_session_id", sessionID),
		zap.String("status", string(sess.Status)))
	return sess, nil
}

// Session returns the current state of a build session.
func (c *Coordinator) Session(ctx context.Context, sessionID uuid.UUID) (*models.BuildSession, error) {
	return c.store.GetSession(ctx, sessionID)
}

func (c *Coordinator) transition(ctx context.Context, sessionID uuid.UUID, to models.BuildStatus, mutate func(*models.BuildSession)) (sess *models.BuildSession, err error) {
	accountID, err := c.sessionAccount(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ctx, span := c.startSpan(ctx, "billing.Transition", accountID, sessionID, attribute.String("to", string(to)))
	defer func() { endSpan(span, err) }()

	err = c.store.WithAccount(ctx, accountID, func(tx ledger.Tx) error {
		s, err := lockedSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if s.Status == to {
			sess = s
			return nil
		}
		if !s.Status.CanTransition(to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
		}
		s.Status = to
		if mutate != nil {
			mutate(s)
		}
		if err := tx.UpdateSession(ctx, s); err != nil {
			return err
		}
		sess = s
		return nil
	})
	return sess, err
}

func (c *Coordinator) settleLocked(ctx context.Context, tx ledger.Tx, s *models.BuildSession, reservationTxID uuid.UUID, actualCost int64) (Outcome, error) {
	res, err := openReservation(ctx, tx, s, reservationTxID)
	if err != nil {
		return Outcome{}, err
	}
	if actualCost < 0 {
		actualCost = 0
	}
	reserved := -res.Amount
	charged := min(actualCost, reserved)
	refund := reserved - charged

	sid := s.ID
	if err := tx.Append(ctx, &models.Transaction{
		AccountID:      s.AccountID,
		Kind:           models.KindSettlement,
		Amount:         0,
		BuildSessionID: &sid,
		Detail: models.TransactionDetail{Settlement: &models.SettlementDetail{
			ReservationID: res.ID,
			Reserved:      reserved,
			ActualCost:    actualCost,
			Charged:       charged,
			Refunded:      refund,
		}},
	}); err != nil {
		return Outcome{}, err
	}
	if refund > 0 {
		if err := tx.Append(ctx, refundEntry(s, res.ID, refund, models.RefundSurplus)); err != nil {
			return Outcome{}, err
		}
	}
	if err := tx.SetTransactionStatus(ctx, res.ID, models.TxStatusConsumed); err != nil {
		return Outcome{}, err
	}

	now := c.now()
	s.Status = models.BuildCompleted
	s.ActualCost = actualCost
	s.Charged = charged
	s.Refunded = refund
	s.EndedAt = &now
	if err := tx.UpdateSession(ctx, s); err != nil {
		return Outcome{}, err
	}
	balance, err := tx.Balance(ctx)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{
		SessionID:  s.ID,
		Status:     s.Status,
		Reserved:   reserved,
		ActualCost: actualCost,
		Charged:    charged,
		Refunded:   refund,
		Balance:    balance,
	}, nil
}

func (c *Coordinator) refundLocked(ctx context.Context, tx ledger.Tx, s *models.BuildSession, reason models.RefundReason) (Outcome, error) {
	var reserved int64
	if s.ReservationTxID != nil {
		res, err := openReservation(ctx, tx, s, *s.ReservationTxID)
		if err != nil {
			return Outcome{}, err
		}
		reserved = -res.Amount
		if err := tx.Append(ctx, refundEntry(s, res.ID, reserved, reason)); err != nil {
			return Outcome{}, err
		}
		if err := tx.SetTransactionStatus(ctx, res.ID, models.TxStatusConsumed); err != nil {
			return Outcome{}, err
		}
	}

	now := c.now()
	s.Status = models.BuildRefunded
	s.Charged = 0
	s.Refunded = reserved
	s.EndedAt = &now
	if s.FailureReason == "" && reason == models.RefundCancelled {
		s.FailureReason = "cancelled"
	}
	if err := tx.UpdateSession(ctx, s); err != nil {
		return Outcome{}, err
	}
	balance, err := tx.Balance(ctx)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{
		SessionID:  s.ID,
		Status:     s.Status,
		Reserved:   reserved,
		ActualCost: s.ActualCost,
		Refunded:   reserved,
		Balance:    balance,
	}, nil
}

func (c *Coordinator) recordOutcome(out Outcome) {
	if out.AlreadySettled {
		c.metrics.Settlement("already")
		return
	}
	switch out.Status {
	case models.BuildCompleted:
		c.metrics.Settlement("settled")
		c.metrics.Credits(string(models.KindSettlement), out.Charged)
	case models.BuildRefunded:
		c.metrics.Settlement("refunded")
	}
	c.metrics.Credits(string(models.KindRefund), out.Refunded)
	c.logger.Info("reservation closed",
		zap.Stringer("build_session_id", out.SessionID),
		zap.String("status", string(out.Status)),
		zap.Int64("reserved", out.Reserved),
		zap.Int64("charged", out.Charged),
		zap.Int64("refunded", out.Refunded),
		zap.Int64("balance", out.Balance))
}

func (c *Coordinator) sessionAccount(ctx context.Context, sessionID uuid.UUID) (uuid.UUID, error) {
	s, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return uuid.Nil, err
	}
	return s.AccountID, nil
}

func (c *Coordinator) startSpan(ctx context.Context, name string, accountID, sessionID uuid.UUID, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String("account.id", accountID.String()),
		attribute.String("build_session.id", sessionID.String()))
	return c.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// lockedSession loads the session through tx, hiding other accounts' sessions.
func lockedSession(ctx context.Context, tx ledger.Tx, id uuid.UUID) (*models.BuildSession, error) {
	s, err := tx.Session(ctx, id)
	if errors.Is(err, ledger.ErrWrongAccount) {
		return nil, ledger.ErrSessionNotFound
	}
	return s, err
}

// openReservation returns the session's reservation entry if it is still
// open and matches want.
func openReservation(ctx context.Context, tx ledger.Tx, s *models.BuildSession, want uuid.UUID) (*models.Transaction, error) {
	if s.ReservationTxID == nil || *s.ReservationTxID != want {
		return nil, ErrReservationNotFound
	}
	res, err := tx.Transaction(ctx, want)
	if errors.Is(err, ledger.ErrTransactionNotFound) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, err
	}
	if res.Kind != models.KindReservation || res.Status != models.TxStatusCompleted {
		return nil, fmt.Errorf("%w: %s is %s/%s", ErrReservationNotFound, res.ID, res.Kind, res.Status)
	}
	return res, nil
}

func refundEntry(s *models.BuildSession, reservationID uuid.UUID, amount int64, reason models.RefundReason) *models.Transaction {
	sid := s.ID
	return &models.Transaction{
		AccountID:      s.AccountID,
		Kind:           models.KindRefund,
		Amount:         amount,
		BuildSessionID: &sid,
		Detail: models.TransactionDetail{Refund: &models.RefundDetail{
			ReservationID: reservationID,
			Reason:        reason,
		}},
	}
}

func recordedOutcome(ctx context.Context, tx ledger.Tx, s *models.BuildSession) (Outcome, error) {
	balance, err := tx.Balance(ctx)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{
		SessionID:      s.ID,
		Status:         s.Status,
		Reserved:       s.Charged + s.Refunded,
		ActualCost:     s.ActualCost,
		Charged:        s.Charged,
		Refunded:       s.Refunded,
		Balance:        balance,
		AlreadySettled: true,
	}, nil
}
