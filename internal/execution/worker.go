package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"
	"go.uber.org/zap"

	"github.com/autowebiq/backend/internal/logging"
)

const (
	QueueBuilds = "builds"
	// workerGrace is added to the build timeout so the runner, not River,
	// decides when a build has run too long.
	workerGrace = 30 * time.Second
)

func (BuildArgs) Kind() string { return "run_build" }

// InsertOpts allows one retry. A rescued job whose worker died mid-build
// is picked up again only to refund it; a failed build is never rerun.
func (BuildArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 2, Queue: QueueBuilds}
}

type BuildWorker struct {
	river.WorkerDefaults[BuildArgs]
	runner *Runner
	logger *zap.Logger
}

func NewBuildWorker(runner *Runner, logger *zap.Logger) *BuildWorker {
	return &BuildWorker{runner: runner, logger: logging.OrNop(logger).Named("river")}
}

func (w *BuildWorker) Timeout(*river.Job[BuildArgs]) time.Duration {
	return w.runner.cfg.Timeout + workerGrace
}

// Work reports an error to River only when the session could not be
// brought to a terminal status.
func (w *BuildWorker) Work(ctx context.Context, job *river.Job[BuildArgs]) error {
	out, err := w.runner.Run(ctx, job.Args)
	if err == nil {
		return nil
	}
	if out.Status.Terminal() {
		w.logger.Info("build job finished with refund",
			zap.Int64("job_id", job.ID),
			zap.Stringer("build_session_id", job.Args.SessionID),
			zap.Error(err))
		return nil
	}
	return fmt.Errorf("build %s: %w", job.Args.SessionID, err)
}

// RiverQueue persists builds as River jobs on Postgres so they are picked
// up by whichever worker process is running.
type RiverQueue struct {
	client *river.Client[pgx.Tx]
	logger *zap.Logger
}

func NewRiverQueue(pool *pgxpool.Pool, runner *Runner, workers int, logger *zap.Logger) (*RiverQueue, error) {
	if workers <= 0 {
		workers = DefaultConfig().Workers
	}
	registry := river.NewWorkers()
	river.AddWorker(registry, NewBuildWorker(runner, logger))

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			QueueBuilds: {MaxWorkers: workers},
		},
		Workers: registry,
	})
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}
	return &RiverQueue{client: client, logger: logging.OrNop(logger).Named("river")}, nil
}

func (q *RiverQueue) Submit(ctx context.Context, args BuildArgs) (Handle, error) {
	res, err := q.client.Insert(ctx, args, nil)
	if err != nil {
		return Handle{}, fmt.Errorf("enqueue build: %w", err)
	}
	return handleFrom(args, res), nil
}

// Run works jobs until ctx is done, then stops River gracefully.
func (q *RiverQueue) Run(ctx context.Context) error {
	if err := q.client.Start(ctx); err != nil {
		return fmt.Errorf("start river: %w", err)
	}
	q.logger.Info("river client started", zap.String("queue", QueueBuilds))
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), workerGrace)
	defer cancel()
	return q.client.Stop(stopCtx)
}

func handleFrom(args BuildArgs, res *rivertype.JobInsertResult) Handle {
	h := Handle{SessionID: args.SessionID}
	if res != nil && res.Job != nil {
		h.JobID = res.Job.ID
	}
	return h
}
