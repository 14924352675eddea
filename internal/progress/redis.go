package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/autowebiq/backend/internal/logging"
	"github.com/autowebiq/backend/internal/models"
)

const channelPrefix = "progress:"

func channelName(id uuid.UUID) string { return channelPrefix + id.String() }

// RedisRelay carries progress events from worker processes to the API
// processes holding the subscribers. Workers publish through it; each API
// process runs Run to feed its local Hub, which assigns sequence numbers.
type RedisRelay struct {
	client   *redis.Client
	hub      *Hub
	logger   *zap.Logger
	ready    chan struct{}
	attempts int
	backoff  time.Duration
}

// NewRedisRelay retries terminal events with the hub's retry policy, or
// with DefaultConfig when hub is nil.
func NewRedisRelay(client *redis.Client, hub *Hub, logger *zap.Logger) *RedisRelay {
	cfg := DefaultConfig()
	if hub != nil {
		cfg = hub.cfg
	}
	return &RedisRelay{
		client:   client,
		hub:      hub,
		logger:   logging.OrNop(logger).Named("progress.relay"),
		ready:    make(chan struct{}),
		attempts: cfg.RetryAttempts,
		backoff:  cfg.RetryBackoff,
	}
}

// Publish sends ev once. A terminal event is retried with exponential
// backoff until it is accepted, the attempts run out or ctx is done.
func (r *RedisRelay) Publish(ctx context.Context, ev models.ProgressEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	attempts := 1
	if ev.Type.Terminal() {
		attempts = max(r.attempts, 1)
	}
	wait := r.backoff
	for attempt := 1; ; attempt++ {
		err = r.client.Publish(ctx, channelName(ev.BuildSessionID), payload).Err()
		if err == nil {
			return nil
		}
		if attempt >= attempts {
			break
		}
		r.logger.Warn("terminal progress event not relayed, retrying",
			zap.Stringer("build_session_id", ev.BuildSessionID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("publish progress event: %w", errors.Join(err, ctx.Err()))
		case <-timer.C:
		}
		wait *= 2
	}
	return fmt.Errorf("publish progress event: %w", err)
}

// Ready is closed once Run holds an active pattern subscription.
func (r *RedisRelay) Ready() <-chan struct{} { return r.ready }

// Run subscribes to every progress channel and republishes into the hub
// until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	if r.hub == nil {
		return errors.New("redis relay: no hub to feed")
	}
	ps := r.client.PSubscribe(ctx, channelPrefix+"*")
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to progress channels: %w", err)
	}
	close(r.ready)
	r.logger.Info("progress relay subscribed", zap.String("pattern", channelPrefix+"*"))

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.forward(ctx, msg)
		}
	}
}

func (r *RedisRelay) forward(ctx context.Context, msg *redis.Message) {
	var ev models.ProgressEvent
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		r.logger.Warn("invalid progress payload", zap.String("channel", msg.Channel), zap.Error(err))
		return
	}
	if ev.BuildSessionID == uuid.Nil {
		id, err := uuid.Parse(strings.TrimPrefix(msg.Channel, channelPrefix))
		if err != nil {
			r.logger.Warn("progress payload without session", zap.String("channel", msg.Channel))
			return
		}
		ev.BuildSessionID = id
	}
	if err := r.hub.Publish(ctx, ev); err != nil && !errors.Is(err, ErrTopicClosed) {
		r.logger.Warn("relay publish failed", zap.Stringer("build_session_id", ev.BuildSessionID), zap.Error(err))
	}
}
