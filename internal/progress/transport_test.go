package progress

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autowebiq/backend/internal/models"
)

func TestRedisRelay_PreservesOrder(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	hub := NewHub(Config{}, nil, nil)
	relay := NewRedisRelay(client, hub, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- relay.Run(ctx) }()

	select {
	case <-relay.Ready():
	case err := <-errCh:
		t.Fatalf("relay stopped: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay never subscribed")
	}

	id := uuid.New()
	sub := hub.Subscribe(id)
	defer sub.Close()

	worker := NewRedisRelay(client, nil, nil)
	for _, text := range []string{"one", "two", "three"} {
		require.NoError(t, worker.Publish(ctx, msg(id, text)))
	}
	require.NoError(t, worker.Publish(ctx, done(id)))

	events := drain(t, sub)
	require.Len(t, events, 4)
	assert.Equal(t, "one", events[0].Message)
	assert.Equal(t, "three", events[2].Message)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Sequence)
	}

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestRedisRelay_RetriesTerminalEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	hub := NewHub(Config{Retention: time.Minute}, nil, nil)
	relay := NewRedisRelay(client, hub, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = relay.Run(ctx) }()
	select {
	case <-relay.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("relay never subscribed")
	}

	id := uuid.New()
	sub := hub.Subscribe(id)
	defer sub.Close()

	worker := NewRedisRelay(client, nil, nil)
	require.NoError(t, client.Ping(ctx).Err())
	mr.SetError("ERR injected failure")
	assert.Error(t, worker.Publish(ctx, msg(id, "lost")), "non-terminal events are sent once")

	cleared := time.AfterFunc(80*time.Millisecond, func() { mr.SetError("") })
	defer cleared.Stop()
	require.NoError(t, worker.Publish(ctx, done(id)))

	events := drain(t, sub)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventBuildComplete, events[0].Type)
}

func TestRedisRelay_TerminalRetryStopsWithContext(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	require.NoError(t, client.Ping(context.Background()).Err())
	mr.SetError("ERR injected failure")

	relay := NewRedisRelay(client, NewHub(Config{RetryAttempts: 50, RetryBackoff: 20 * time.Millisecond}, nil, nil), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := relay.Publish(ctx, done(uuid.New()))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWSServer_StreamsUntilTerminal(t *testing.T) {
	hub := NewHub(Config{}, nil, nil)
	ws := NewWSServer(hub, nil)
	id := uuid.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws.Serve(w, r, id)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Subscribers(id) == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, hub.Publish(ctx, msg(id, "hello")))
	require.NoError(t, hub.Publish(ctx, done(id)))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first, last models.ProgressEvent
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&last))
	assert.Equal(t, "hello", first.Message)
	assert.Equal(t, models.EventBuildComplete, last.Type)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}
