package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	defaultPollInterval = time.Second
	defaultClaimBatch   = 8
)

// Queue polls the job store for due work and dispatches it through the
// handler registry. One queue runs per process; job claiming keeps
// overlapping queues from double-executing.
type Queue struct {
	store    *JobStore
	registry *Registry
	clock    clockwork.Clock
	interval time.Duration
	batch    int
	logger   *zap.SugaredLogger

	wake chan struct{}
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewQueue creates a queue over the store and registry. clock may be a fake
// in tests; pass clockwork.NewRealClock() in production.
func NewQueue(store *JobStore, registry *Registry, clock clockwork.Clock, logger *zap.SugaredLogger) *Queue {
	return &Queue{
		store:    store,
		registry: registry,
		clock:    clock,
		interval: defaultPollInterval,
		batch:    defaultClaimBatch,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Tune overrides the poll interval and claim batch size. Call before
// Start; zero values keep the defaults.
func (q *Queue) Tune(interval time.Duration, batch int) {
	if interval > 0 {
		q.interval = interval
	}
	if batch > 0 {
		q.batch = batch
	}
}

// RunOnce claims and executes every currently due job, then returns.
// Jobs enqueued while draining (sync continuations in particular) are
// picked up before it returns.
func (q *Queue) RunOnce(ctx context.Context) {
	q.drain(ctx)
}

// Start launches the polling loop. It returns immediately; call Stop to
// drain and shut down.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.done:
				return
			case <-q.clock.After(q.interval):
			case <-q.wake:
			}
			q.drain(ctx)
		}
	}()
}

// Notify wakes the queue ahead of the next poll tick. Non-blocking.
func (q *Queue) Notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Stop shuts the polling loop down and waits for in-flight jobs.
func (q *Queue) Stop() {
	q.once.Do(func() { close(q.done) })
	q.wg.Wait()
}

// drain claims and executes every currently due job.
func (q *Queue) drain(ctx context.Context) {
	for {
		jobs, err := q.store.ClaimDue(ctx, q.clock.Now(), q.batch)
		if err != nil {
			q.logger.Errorw("Failed to claim due jobs", "error", err)
			return
		}
		if len(jobs) == 0 {
			return
		}

		for _, job := range jobs {
			q.run(ctx, job)
		}
	}
}

func (q *Queue) run(ctx context.Context, job *Job) {
	q.logger.Debugw("Executing job",
		"job_id", job.ID,
		"kind", job.Kind,
		"group_id", job.GroupID,
		"attempt", job.Attempts+1,
	)

	if err := q.registry.Execute(ctx, job); err != nil {
		q.logger.Warnw("Job failed",
			"job_id", job.ID,
			"kind", job.Kind,
			"attempt", job.Attempts+1,
			"error", err,
		)
		if err := q.store.MarkFailed(ctx, job, err); err != nil {
			q.logger.Errorw("Failed to record job failure", "job_id", job.ID, "error", err)
		}
		return
	}

	if err := q.store.MarkCompleted(ctx, job.ID); err != nil {
		q.logger.Errorw("Failed to record job completion", "job_id", job.ID, "error", err)
	}
}
