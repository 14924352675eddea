// Package progress fans build progress events out to live subscribers.
//
// Each build session is a topic. Publish stamps a per-topic sequence
// number and never blocks the caller: a subscriber whose buffer is full
// loses non-terminal events, while a terminal event is retried in the
// background before the subscription is closed.
package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/autowebiq/backend/internal/logging"
	"github.com/autowebiq/backend/internal/metrics"
	"github.com/autowebiq/backend/internal/models"
)

// ErrTopicClosed is returned when publishing to a session whose terminal
// event has already gone out.
var ErrTopicClosed = errors.New("progress topic closed")

// Publisher is what a build runner reports progress to.
type Publisher interface {
	Publish(ctx context.Context, ev models.ProgressEvent) error
}

// SessionFinished reports whether a build session already reached a
// terminal status.
type SessionFinished func(ctx context.Context, id uuid.UUID) (bool, error)

// TerminalEvent builds the final event for a session closed outside a
// running build, such as a cancel before the build started.
func TerminalEvent(sess *models.BuildSession, balance int64) models.ProgressEvent {
	charged, refunded := sess.Charged, sess.Refunded
	ev := models.ProgressEvent{
		Type:           models.EventBuildError,
		BuildSessionID: sess.ID,
		Status:         string(sess.Status),
		Message:        sess.FailureReason,
		Progress:       100,
		Charged:        &charged,
		Refunded:       &refunded,
		Balance:        &balance,
	}
	if sess.Status == models.BuildCompleted {
		ev.Type = models.EventBuildComplete
		ev.Message = fmt.Sprintf("build complete, charged %d credits", charged)
	}
	if ev.Message == "" {
		ev.Message = "build " + string(sess.Status)
	}
	return ev
}

type Config struct {
	Buffer        int           `yaml:"buffer" env:"BUFFER"`
	RetryAttempts int           `yaml:"retry_attempts" env:"RETRY_ATTEMPTS"`
	RetryBackoff  time.Duration `yaml:"retry_backoff" env:"RETRY_BACKOFF"`
	Retention     time.Duration `yaml:"retention" env:"RETENTION"`
}

func DefaultConfig() Config {
	return Config{
		Buffer:        32,
		RetryAttempts: 5,
		RetryBackoff:  50 * time.Millisecond,
		Retention:     10 * time.Minute,
	}
}

type topic struct {
	mu     sync.Mutex
	seq    uint64
	subs   map[*Subscription]struct{}
	closed bool
}

type Hub struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	finished SessionFinished

	mu     sync.Mutex
	topics map[uuid.UUID]*topic
}

func NewHub(cfg Config, logger *zap.Logger, m *metrics.Metrics) *Hub {
	def := DefaultConfig()
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = def.RetryAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	return &Hub{
		cfg:     cfg,
		logger:  logging.OrNop(logger).Named("progress"),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
		topics:  make(map[uuid.UUID]*topic),
	}
}

// TrackFinished makes the hub consult fn before opening a topic, so a
// session that finished before its topic existed, or whose closed topic
// has been forgotten, stays closed. Call it before the hub is shared.
func (h *Hub) TrackFinished(fn SessionFinished) *Hub {
	h.finished = fn
	return h
}

func (h *Hub) topic(ctx context.Context, id uuid.UUID) *topic {
	if t, ok := h.lookup(id); ok {
		return t
	}
	closed := h.isFinished(ctx, id)

	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[id]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{}), closed: closed}
		h.topics[id] = t
		if closed {
			time.AfterFunc(h.cfg.Retention, func() { h.forget(id, t) })
		}
	}
	return t
}

func (h *Hub) isFinished(ctx context.Context, id uuid.UUID) bool {
	if h.finished == nil {
		return false
	}
	done, err := h.finished(ctx, id)
	if err != nil {
		h.logger.Debug("session state lookup", zap.Stringer("build_session_id", id), zap.Error(err))
		return false
	}
	return done
}

func (h *Hub) lookup(id uuid.UUID) (*topic, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[id]
	return t, ok
}

// Publish stamps ev with the next sequence number and the current time and
// delivers it to every subscriber of ev.BuildSessionID.
func (h *Hub) Publish(ctx context.Context, ev models.ProgressEvent) error {
	t := h.topic(ctx, ev.BuildSessionID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTopicClosed
	}
	t.seq++
	ev.Sequence = t.seq
	ev.Timestamp = h.now()

	terminal := ev.Type.Terminal()
	for s := range t.subs {
		select {
		case s.ch <- ev:
			if terminal {
				close(s.ch)
			}
		default:
			if !terminal {
				h.metrics.EventDropped()
				h.logger.Debug("progress event dropped",
					zap.Stringer("build_session_id", ev.BuildSessionID),
					zap.Uint64("sequence", ev.Sequence))
				continue
			}
			go h.deliverTerminal(s, ev)
		}
	}

	if terminal {
		t.closed = true
		t.subs = nil
		time.AfterFunc(h.cfg.Retention, func() { h.forget(ev.BuildSessionID, t) })
	}
	return nil
}

// deliverTerminal keeps offering ev to a slow subscriber with exponential
// backoff, then closes the subscription either way.
func (h *Hub) deliverTerminal(s *Subscription, ev models.ProgressEvent) {
	defer close(s.ch)
	wait := h.cfg.RetryBackoff
	for attempt := 1; attempt <= h.cfg.RetryAttempts; attempt++ {
		timer := time.NewTimer(wait)
		select {
		case s.ch <- ev:
			timer.Stop()
			return
		case <-s.done:
			timer.Stop()
			return
		case <-timer.C:
		}
		wait *= 2
	}
	h.metrics.DeliveryFailed()
	h.logger.Warn("terminal progress event not delivered",
		zap.Stringer("build_session_id", ev.BuildSessionID),
		zap.String("type", string(ev.Type)),
		zap.Int("attempts", h.cfg.RetryAttempts))
}

func (h *Hub) forget(id uuid.UUID, t *topic) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.topics[id] == t {
		delete(h.topics, id)
	}
}

// Subscribe returns a subscription receiving events published from now on.
// Subscribing to a session that already finished yields a closed
// subscription.
func (h *Hub) Subscribe(id uuid.UUID) *Subscription {
	s := &Subscription{
		SessionID: id,
		ch:        make(chan models.ProgressEvent, h.cfg.Buffer),
		done:      make(chan struct{}),
		hub:       h,
	}
	t := h.topic(context.Background(), id)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		close(s.ch)
		return s
	}
	t.subs[s] = struct{}{}
	return s
}

// Subscribers reports the number of live subscriptions for a session.
func (h *Hub) Subscribers(id uuid.UUID) int {
	t, ok := h.lookup(id)
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

func (h *Hub) unsubscribe(s *Subscription) {
	t, ok := h.lookup(s.SessionID)
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, s)
}

// Subscription is one consumer's view of a session topic. The events
// channel is closed after the terminal event.
type Subscription struct {
	SessionID uuid.UUID

	ch   chan models.ProgressEvent
	done chan struct{}
	once sync.Once
	hub  *Hub
}

func (s *Subscription) Events() <-chan models.ProgressEvent { return s.ch }

// Close detaches the subscription. It does not close the events channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.hub.unsubscribe(s)
	})
}
