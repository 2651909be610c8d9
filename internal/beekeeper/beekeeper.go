// Package beekeeper orchestrates a replay run: it spawns the worker
// processes, the stats collector, and the scheduler, then drives the
// orderly shutdown once the scheduler drains or is interrupted.
package beekeeper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/lexelby/apiary/internal/config"
	"github.com/lexelby/apiary/internal/domain"
	"github.com/lexelby/apiary/internal/queue"
	"github.com/lexelby/apiary/internal/scheduler"
	"github.com/lexelby/apiary/internal/stats"
	"github.com/lexelby/apiary/internal/worker"
)

// joinSlack is added to max-ahead when waiting for workers to drain: the
// scheduler may be a full look-ahead window in front of the slowest worker.
const joinSlack = 30 * time.Second

// BeeKeeper manages the hive for one run.
type BeeKeeper struct {
	cfg     config.Config
	queues  queue.Pair
	adapter worker.AdapterFactory
	log     *slog.Logger
	out     io.Writer
}

// New builds a supervisor.
func New(cfg config.Config, queues queue.Pair, adapter worker.AdapterFactory, log *slog.Logger, out io.Writer) *BeeKeeper {
	if log == nil {
		log = slog.Default()
	}
	return &BeeKeeper{cfg: cfg, queues: queues, adapter: adapter, log: log, out: out}
}

// Run executes the load test. ctx cancellation is the first-interrupt path:
// the scheduler stops dispatching, workers finish their current jobs, and
// shutdown proceeds in order. Returns the number of jobs dispatched.
func (k *BeeKeeper) Run(ctx context.Context, jobPath, indexPath string) (int, error) {
	startTime := time.Now()
	runID := ulid.Make().String()
	log := k.log.With(slog.String("run_id", runID))
	log.Info("starting run",
		slog.String("job_file", jobPath),
		slog.Int("workers", k.cfg.Workers),
		slog.Int("threads", k.cfg.Threads),
		slog.String("protocol", k.cfg.Protocol))

	// Workers deliberately do not inherit the interrupt context: a first
	// interrupt stops dispatch, and workers drain via stop sentinels so no
	// job is preempted mid-session.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	// 1. Worker processes, optionally staggered to smooth the
	// connection-open storm against rate-limiting targets.
	var workers errgroup.Group
	for w := 0; w < k.cfg.Workers; w++ {
		if w > 0 && k.cfg.StaggerWorkers > 0 {
			select {
			case <-time.After(k.cfg.StaggerWorkers):
			case <-ctx.Done():
			}
		}
		p := worker.NewProcess(k.cfg, k.queues.Jobs, k.queues.Stats, k.adapter, log)
		workers.Go(func() error { return p.Run(workerCtx) })
	}

	// 2. Stats collector.
	collector := stats.NewCollector(k.queues.Stats, k.out, k.cfg.StatsInterval, log)
	collectorCtx, cancelCollector := context.WithCancel(context.Background())
	defer cancelCollector()
	collectorDone := make(chan error, 1)
	go func() { collectorDone <- collector.Run(collectorCtx) }()

	// 3. Scheduler, in this goroutine; ctx cancellation interrupts it.
	sched := scheduler.New(k.cfg, k.queues.Jobs, log)
	jobsSent, err := sched.Run(ctx, jobPath, indexPath)
	if err != nil {
		cancelWorkers()
		cancelCollector()
		return jobsSent, fmt.Errorf("beekeeper: scheduler: %w", err)
	}

	log.Info("waiting for workers to complete jobs and terminate",
		slog.Duration("max_wait", k.cfg.MaxAhead+joinSlack))

	// Exactly workers*threads sentinels: each thread consumes one and
	// exits.
	stopCtx, cancelStops := context.WithTimeout(context.Background(), k.cfg.MaxAhead+joinSlack)
	defer cancelStops()
	for i := 0; i < k.cfg.Workers*k.cfg.Threads; i++ {
		if err := k.queues.Jobs.Put(stopCtx, domain.StopJob()); err != nil {
			log.Error("failed to enqueue stop sentinel", slog.Any("error", err))
			break
		}
	}

	workersDone := make(chan error, 1)
	go func() { workersDone <- workers.Wait() }()
	select {
	case werr := <-workersDone:
		if werr != nil {
			log.Error("worker error during drain", slog.Any("error", werr))
		}
	case <-time.After(k.cfg.MaxAhead + joinSlack):
		log.Warn("workers did not drain in time, cancelling")
		cancelWorkers()
		<-workersDone
	}

	// Stats collector gets one stop sentinel and a final report.
	if err := k.queues.Stats.Put(stopCtx, domain.StatMessage{Kind: domain.StatStop}); err != nil {
		log.Error("failed to stop stats collector", slog.Any("error", err))
		cancelCollector()
	}
	if cerr := <-collectorDone; cerr != nil && !errors.Is(cerr, context.Canceled) {
		log.Error("stats collector error", slog.Any("error", cerr))
	}

	fmt.Fprintf(k.out, "Completed %d jobs in %0.2f seconds.\n", jobsSent, time.Since(startTime).Seconds())
	return jobsSent, nil
}
