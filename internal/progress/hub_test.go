package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autowebiq/backend/internal/models"
)

func msg(id uuid.UUID, text string) models.ProgressEvent {
	return models.ProgressEvent{Type: models.EventAgentMessage, BuildSessionID: id, Status: "working", Message: text}
}

func done(id uuid.UUID) models.ProgressEvent {
	return models.ProgressEvent{Type: models.EventBuildComplete, BuildSessionID: id, Status: "completed", Progress: 100}
}

func drain(t *testing.T, sub *Subscription) []models.ProgressEvent {
	t.Helper()
	var out []models.ProgressEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("subscription not closed, got %d events", len(out))
			return out
		}
	}
}

func TestHub_OrderedDelivery(t *testing.T) {
	h := NewHub(Config{}, nil, nil)
	id := uuid.New()
	sub := h.Subscribe(id)
	defer sub.Close()

	ctx := context.Background()
	for _, text := range []string{"planning", "designing", "coding"} {
		require.NoError(t, h.Publish(ctx, msg(id, text)))
	}
	require.NoError(t, h.Publish(ctx, done(id)))

	events := drain(t, sub)
	require.Len(t, events, 4)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Sequence)
		assert.False(t, ev.Timestamp.IsZero())
	}
	assert.Equal(t, "designing", events[1].Message)
	assert.Equal(t, models.EventBuildComplete, events[3].Type)
}

func TestHub_TopicsAreIndependent(t *testing.T) {
	h := NewHub(Config{}, nil, nil)
	a, b := uuid.New(), uuid.New()
	subA := h.Subscribe(a)
	subB := h.Subscribe(b)

	ctx := context.Background()
	require.NoError(t, h.Publish(ctx, msg(a, "a1")))
	require.NoError(t, h.Publish(ctx, msg(b, "b1")))
	require.NoError(t, h.Publish(ctx, msg(a, "a2")))
	require.NoError(t, h.Publish(ctx, done(a)))
	require.NoError(t, h.Publish(ctx, done(b)))

	evA := drain(t, subA)
	evB := drain(t, subB)
	require.Len(t, evA, 3)
	require.Len(t, evB, 2)
	assert.Equal(t, uint64(2), evB[1].Sequence)
}

func TestHub_SlowSubscriberDropsNonTerminalButGetsTerminal(t *testing.T) {
	h := NewHub(Config{Buffer: 2, RetryAttempts: 10, RetryBackoff: 10 * time.Millisecond}, nil, nil)
	id := uuid.New()
	sub := h.Subscribe(id)
	defer sub.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, h.Publish(ctx, msg(id, "tick")))
	}
	require.NoError(t, h.Publish(ctx, done(id)))

	events := drain(t, sub)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(1), events[0].Sequence)
	assert.Equal(t, uint64(2), events[1].Sequence)
	assert.Equal(t, models.EventBuildComplete, events[2].Type)
	assert.Equal(t, uint64(6), events[2].Sequence)
}

func TestHub_TerminalGivesUpAfterRetries(t *testing.T) {
	h := NewHub(Config{Buffer: 1, RetryAttempts: 2, RetryBackoff: time.Millisecond}, nil, nil)
	id := uuid.New()
	sub := h.Subscribe(id)

	ctx := context.Background()
	require.NoError(t, h.Publish(ctx, msg(id, "only")))
	require.NoError(t, h.Publish(ctx, done(id)))

	// Let the retry goroutine exhaust its attempts before reading.
	time.Sleep(50 * time.Millisecond)
	events := drain(t, sub)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventAgentMessage, events[0].Type)
}

func TestHub_ClosedTopic(t *testing.T) {
	h := NewHub(Config{}, nil, nil)
	id := uuid.New()
	ctx := context.Background()
	require.NoError(t, h.Publish(ctx, msg(id, "x")))
	require.NoError(t, h.Publish(ctx, done(id)))

	assert.ErrorIs(t, h.Publish(ctx, msg(id, "late")), ErrTopicClosed)

	late := h.Subscribe(id)
	_, ok := <-late.Events()
	assert.False(t, ok, "subscription to a finished session is closed")
}

func TestHub_FinishedSessionStaysClosedAfterRetention(t *testing.T) {
	var finished sync.Map
	h := NewHub(Config{Retention: 20 * time.Millisecond}, nil, nil).
		TrackFinished(func(_ context.Context, id uuid.UUID) (bool, error) {
			_, ok := finished.Load(id)
			return ok, nil
		})
	id := uuid.New()
	ctx := context.Background()

	require.NoError(t, h.Publish(ctx, msg(id, "x")))
	finished.Store(id, true)
	require.NoError(t, h.Publish(ctx, done(id)))

	require.Eventually(t, func() bool {
		_, ok := h.lookup(id)
		return !ok
	}, 2*time.Second, 5*time.Millisecond, "closed topic is forgotten after retention")

	late := h.Subscribe(id)
	select {
	case _, ok := <-late.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription to a finished session never closed")
	}

	hb := models.ProgressEvent{Type: models.EventHeartbeat, BuildSessionID: id, Status: "running"}
	assert.ErrorIs(t, h.Publish(ctx, hb), ErrTopicClosed)
}

func TestHub_SessionLookupFailureOpensTopic(t *testing.T) {
	h := NewHub(Config{}, nil, nil).
		TrackFinished(func(context.Context, uuid.UUID) (bool, error) {
			return false, errors.New("store unavailable")
		})
	id := uuid.New()
	sub := h.Subscribe(id)
	defer sub.Close()

	ctx := context.Background()
	require.NoError(t, h.Publish(ctx, msg(id, "x")))
	require.NoError(t, h.Publish(ctx, done(id)))
	assert.Len(t, drain(t, sub), 2)
}

func TestTerminalEvent(t *testing.T) {
	id := uuid.New()
	refunded := TerminalEvent(&models.BuildSession{
		ID:            id,
		Status:        models.BuildRefunded,
		Refunded:      30,
		FailureReason: "cancelled",
	}, 100)
	assert.Equal(t, models.EventBuildError, refunded.Type)
	assert.Equal(t, "cancelled", refunded.Message)
	assert.Equal(t, 100, refunded.Progress)
	require.NotNil(t, refunded.Refunded)
	assert.Equal(t, int64(30), *refunded.Refunded)
	assert.Equal(t, int64(0), *refunded.Charged)
	assert.Equal(t, int64(100), *refunded.Balance)

	completed := TerminalEvent(&models.BuildSession{ID: id, Status: models.BuildCompleted, Charged: 12, Refunded: 3}, 88)
	assert.Equal(t, models.EventBuildComplete, completed.Type)
	assert.Equal(t, int64(12), *completed.Charged)
	assert.Equal(t, int64(88), *completed.Balance)
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	h := NewHub(Config{Buffer: 1}, nil, nil)
	id := uuid.New()
	sub := h.Subscribe(id)
	defer sub.Close()

	finished := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			_ = h.Publish(context.Background(), msg(id, "spam"))
		}
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a subscriber that never reads")
	}
}

func TestSubscription_Close(t *testing.T) {
	h := NewHub(Config{}, nil, nil)
	id := uuid.New()
	sub := h.Subscribe(id)
	assert.Equal(t, 1, h.Subscribers(id))
	sub.Close()
	sub.Close()
	assert.Equal(t, 0, h.Subscribers(id))
	require.NoError(t, h.Publish(context.Background(), msg(id, "nobody listening")))
}
