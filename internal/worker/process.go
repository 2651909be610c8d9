package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lexelby/apiary/internal/config"
	"github.com/lexelby/apiary/internal/domain"
)

// AdapterFactory builds one protocol adapter instance. Each worker thread
// gets its own instance, since adapters hold per-session connection state.
type AdapterFactory func(sink domain.StatsSink) (domain.Adapter, error)

// Process supervises T worker threads sharing one job queue and one stats
// sink. In a single-host run the supervisor starts W of these in-process;
// in distributed mode each runs in its own OS process against a broker
// fabric.
type Process struct {
	id      string
	cfg     config.Config
	jobs    domain.JobQueue
	sink    *QueueSink
	adapter AdapterFactory
	log     *slog.Logger
}

// NewProcess builds a worker process with a fresh short id.
func NewProcess(cfg config.Config, jobs domain.JobQueue, stats domain.StatQueue, adapter AdapterFactory, log *slog.Logger) *Process {
	if log == nil {
		log = slog.Default()
	}
	id := "worker-" + uuid.NewString()[:8]
	return &Process{
		id:      id,
		cfg:     cfg,
		jobs:    jobs,
		sink:    NewQueueSink(stats, log),
		adapter: adapter,
		log:     log.With(slog.String("worker", id)),
	}
}

// ID returns the process's worker id.
func (p *Process) ID() string { return p.id }

// Run announces the worker, starts its threads (staggered if configured),
// and blocks until every thread has dequeued a stop sentinel.
func (p *Process) Run(ctx context.Context) error {
	p.sink.AnnounceNew(p.id)
	defer p.sink.AnnounceHalted(p.id)
	p.log.Debug("worker process starting", slog.Int("threads", p.cfg.Threads))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Threads; i++ {
		if i > 0 && p.cfg.StaggerThreads > 0 {
			select {
			case <-time.After(p.cfg.StaggerThreads):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		adapter, err := p.adapter(p.sink)
		if err != nil {
			return fmt.Errorf("worker: adapter for thread %d: %w", i, err)
		}
		beeID := fmt.Sprintf("%s-%02d", p.id, i)
		bee := NewBee(beeID, p.cfg, p.jobs, p.sink, adapter, p.log)
		g.Go(func() error { return bee.Run(gctx) })
	}

	err := g.Wait()
	p.log.Debug("worker process stopped")
	return err
}
