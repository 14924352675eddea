package builds

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autowebiq/backend/internal/billing"
	"github.com/autowebiq/backend/internal/execution"
	"github.com/autowebiq/backend/internal/ledger"
	"github.com/autowebiq/backend/internal/models"
	"github.com/autowebiq/backend/internal/pricing"
	"github.com/autowebiq/backend/internal/progress"
)

type fakeQueue struct {
	submitted []execution.BuildArgs
	err       error
}

func (q *fakeQueue) Submit(_ context.Context, args execution.BuildArgs) (execution.Handle, error) {
	if q.err != nil {
		return execution.Handle{}, q.err
	}
	q.submitted = append(q.submitted, args)
	return execution.Handle{SessionID: args.SessionID, JobID: int64(len(q.submitted))}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.ProgressEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev models.ProgressEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) all() []models.ProgressEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.ProgressEvent(nil), p.events...)
}

func setup(t *testing.T, bonus int64) (*Service, *fakeQueue, *ledger.MemoryStore, uuid.UUID) {
	t.Helper()
	store := ledger.NewMemoryStore()
	cfg := billing.DefaultConfig()
	cfg.SignupBonus = bonus
	coord := billing.NewCoordinator(store, cfg, nil, nil)
	acc := uuid.New()
	_, err := coord.OpenAccount(context.Background(), acc)
	require.NoError(t, err)
	q := &fakeQueue{}
	return NewService(pricing.NewEstimator(pricing.DefaultTable()), coord, store, q, nil, nil), q, store, acc
}

func frontendRequest() StartRequest {
	return StartRequest{
		Request: pricing.Request{Stages: []models.Stage{{Agent: models.AgentFrontend, Model: models.ModelGPT4o}}},
		Prompt:  "portfolio site",
	}
}

func TestStart_ReservesAndEnqueues(t *testing.T) {
	svc, q, store, acc := setup(t, 20)
	started, err := svc.Start(context.Background(), acc, frontendRequest())
	require.NoError(t, err)

	assert.Equal(t, models.BuildReserved, started.Session.Status)
	assert.Equal(t, int64(12), started.Reservation.Amount)
	assert.Equal(t, int64(8), started.Reservation.BalanceAfter)
	require.Len(t, q.submitted, 1)
	assert.Equal(t, "portfolio site", q.submitted[0].Prompt)
	assert.Equal(t, int64(1), started.Handle.JobID)

	bal, err := store.GetBalance(context.Background(), acc)
	require.NoError(t, err)
	assert.Equal(t, int64(8), bal)
}

func TestStart_InsufficientCreditsLeavesNothingOpen(t *testing.T) {
	svc, q, store, acc := setup(t, 5)
	_, err := svc.Start(context.Background(), acc, frontendRequest())

	var short *billing.InsufficientCreditsError
	require.True(t, errors.As(err, &short))
	assert.Equal(t, int64(7), short.Shortfall)
	assert.Empty(t, q.submitted)

	bal, err := store.GetBalance(context.Background(), acc)
	require.NoError(t, err)
	assert.Equal(t, int64(5), bal)
}

func TestStart_EnqueueFailureRefunds(t *testing.T) {
	svc, q, store, acc := setup(t, 20)
	q.err = errors.New("queue down")

	_, err := svc.Start(context.Background(), acc, frontendRequest())
	require.Error(t, err)

	bal, err := store.GetBalance(context.Background(), acc)
	require.NoError(t, err)
	assert.Equal(t, int64(20), bal)

	rep, err := ledger.Verify(context.Background(), store, acc)
	require.NoError(t, err)
	assert.True(t, rep.OK(), rep.String())
}

func TestStart_RejectsInvalidRequests(t *testing.T) {
	svc, _, _, acc := setup(t, 20)
	tests := []struct {
		name string
		req  pricing.Request
	}{
		{"no stages", pricing.Request{}},
		{"unknown agent", pricing.Request{Stages: []models.Stage{{Agent: "poet", Model: models.ModelGPT4o}}}},
		{"unknown model", pricing.Request{Stages: []models.Stage{{Agent: models.AgentPlanner, Model: "gpt-2"}}}},
		{"negative tokens", pricing.Request{Stages: []models.Stage{{Agent: models.AgentPlanner, Model: models.ModelGPT4o}}, TokenCount: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Start(context.Background(), acc, StartRequest{Request: tt.req})
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestGetAndCancel_CheckOwnership(t *testing.T) {
	svc, _, _, acc := setup(t, 20)
	started, err := svc.Start(context.Background(), acc, frontendRequest())
	require.NoError(t, err)
	id := started.Session.ID

	_, err = svc.Get(context.Background(), uuid.New(), id)
	assert.ErrorIs(t, err, ledger.ErrSessionNotFound)
	_, err = svc.Cancel(context.Background(), uuid.New(), id)
	assert.ErrorIs(t, err, ledger.ErrSessionNotFound)

	sess, err := svc.Cancel(context.Background(), acc, id)
	require.NoError(t, err)
	assert.Equal(t, models.BuildRefunded, sess.Status)

	view, err := svc.Get(context.Background(), acc, id)
	require.NoError(t, err)
	assert.Equal(t, int64(12), view.Session.Refunded)
	assert.Empty(t, view.Invocations)
}

func TestCancel_QueuedBuildPublishesTerminalEvent(t *testing.T) {
	svc, _, _, acc := setup(t, 20)
	pub := &recordingPublisher{}
	svc.pub = pub

	started, err := svc.Start(context.Background(), acc, frontendRequest())
	require.NoError(t, err)
	id := started.Session.ID

	_, err = svc.Cancel(context.Background(), acc, id)
	require.NoError(t, err)

	events := pub.all()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, models.EventBuildError, ev.Type)
	assert.Equal(t, id, ev.BuildSessionID)
	assert.Equal(t, string(models.BuildRefunded), ev.Status)
	require.NotNil(t, ev.Refunded)
	assert.Equal(t, int64(12), *ev.Refunded)
	require.NotNil(t, ev.Balance)
	assert.Equal(t, int64(20), *ev.Balance)

	_, err = svc.Cancel(context.Background(), acc, id)
	require.NoError(t, err)
	assert.Len(t, pub.all(), 1, "cancelling a finished build publishes nothing")
}

func TestCancel_TerminalEventReachesHubSubscriber(t *testing.T) {
	svc, _, _, acc := setup(t, 20)
	hub := progress.NewHub(progress.Config{}, nil, nil)
	svc.pub = hub

	started, err := svc.Start(context.Background(), acc, frontendRequest())
	require.NoError(t, err)
	sub := hub.Subscribe(started.Session.ID)
	defer sub.Close()

	_, err = svc.Cancel(context.Background(), acc, started.Session.ID)
	require.NoError(t, err)

	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok)
		assert.True(t, ev.Type.Terminal())
		require.NotNil(t, ev.Refunded)
		assert.Equal(t, int64(12), *ev.Refunded)
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal event after cancelling a queued build")
	}
	_, ok := <-sub.Events()
	assert.False(t, ok)
}
