package execution

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/autowebiq/backend/internal/logging"
)

var (
	ErrQueueFull   = errors.New("build queue is full")
	ErrQueueClosed = errors.New("build queue is closed")
)

// Handle identifies submitted work. JobID is set by queues that persist jobs.
type Handle struct {
	SessionID uuid.UUID `json:"build_session_id"`
	JobID     int64     `json:"job_id,omitempty"`
}

// Queue accepts builds for background execution. Submit returns as soon as
// the build is queued.
type Queue interface {
	Submit(ctx context.Context, args BuildArgs) (Handle, error)
}

// Pool is an in-process Queue: a bounded channel drained by a fixed number
// of workers. Builds still queued at shutdown are refunded.
type Pool struct {
	runner  *Runner
	workers int
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	jobs   chan BuildArgs
}

func NewPool(runner *Runner, workers, size int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = DefaultConfig().Workers
	}
	if size <= 0 {
		size = DefaultConfig().QueueSize
	}
	return &Pool{
		runner:  runner,
		workers: workers,
		logger:  logging.OrNop(logger).Named("pool"),
		jobs:    make(chan BuildArgs, size),
	}
}

func (p *Pool) Submit(ctx context.Context, args BuildArgs) (Handle, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return Handle{}, ErrQueueClosed
	}
	select {
	case p.jobs <- args:
		return Handle{SessionID: args.SessionID}, nil
	case <-ctx.Done():
		return Handle{}, ctx.Err()
	default:
		return Handle{}, ErrQueueFull
	}
}

// Run processes builds until ctx is done. Builds already running are
// allowed to finish; they are bounded by the runner's timeout.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.work(ctx, id)
		}(i)
	}
	p.logger.Info("build pool started", zap.Int("workers", p.workers))

	<-ctx.Done()
	p.mu.Lock()
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	wg.Wait()
	p.drain()
	p.logger.Info("build pool stopped")
	return nil
}

func (p *Pool) work(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case args, ok := <-p.jobs:
			if !ok {
				return
			}
			if _, err := p.runner.Run(context.WithoutCancel(ctx), args); err != nil {
				p.logger.Info("build ended with error",
					zap.Int("worker", id),
					zap.Stringer("build_session_id", args.SessionID),
					zap.Error(err))
			}
		}
	}
}

// drain refunds builds that were accepted but never started.
func (p *Pool) drain() {
	for args := range p.jobs {
		sess, err := p.runner.coord.Session(context.Background(), args.SessionID)
		if err != nil {
			p.logger.Error("drain queued build", zap.Stringer("build_session_id", args.SessionID), zap.Error(err))
			continue
		}
		if sess.Status.Terminal() {
			continue
		}
		if _, err := p.runner.fail(context.Background(), sess, ErrQueueClosed); !errors.Is(err, ErrQueueClosed) {
			p.logger.Error("refund queued build", zap.Stringer("build_session_id", args.SessionID), zap.Error(err))
		}
	}
}
