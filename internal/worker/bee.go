// Package worker implements the consumer side of a replay: worker threads
// that decode job frames, pace each request to its captured offset, and
// drive a protocol adapter, supervised in groups by a worker process.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/lexelby/apiary/internal/codec"
	"github.com/lexelby/apiary/internal/config"
	"github.com/lexelby/apiary/internal/domain"
	"github.com/lexelby/apiary/internal/observability"
)

// Stat entity names emitted by worker threads.
const (
	StatJobsRunning     = "Jobs Running"
	StatRequestsRunning = "Requests Running"
	StatRequestDuration = "Request Duration (ms)"
	StatJobCompleted    = "Job completed successfully"
)

// longWaitThreshold is the pacing wait beyond which the job id is logged so
// operators can spot captures with large idle gaps.
const longWaitThreshold = 120 * time.Second

// Bee is one worker thread. It loops on the job queue until it dequeues a
// stop sentinel.
type Bee struct {
	id      string
	cfg     config.Config
	jobs    domain.JobQueue
	sink    domain.StatsSink
	adapter domain.Adapter
	log     *slog.Logger
	tracer  trace.Tracer

	// Clock indirection for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewBee builds one worker thread.
func NewBee(id string, cfg config.Config, jobs domain.JobQueue, sink domain.StatsSink, adapter domain.Adapter, log *slog.Logger) *Bee {
	if log == nil {
		log = slog.Default()
	}
	return &Bee{
		id:      id,
		cfg:     cfg,
		jobs:    jobs,
		sink:    sink,
		adapter: adapter,
		log:     log.With(slog.String("bee", id)),
		tracer:  otel.Tracer("apiary/worker"),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes job descriptors until a stop sentinel or queue close.
// Per-job failures never abort the thread; only unrecoverable I/O does.
func (b *Bee) Run(ctx context.Context) error {
	for {
		m, err := b.jobs.Get(ctx)
		if err != nil {
			if errors.Is(err, domain.ErrQueueClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("worker: dequeue: %w", err)
		}
		if m.Kind == domain.JobMessageStop {
			b.log.Debug("stop sentinel received")
			return nil
		}
		if err := b.runJob(ctx, m.Descriptor); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// runJob replays one job. The job file is opened read-only and seeked
// independently by every thread, so no locking is needed.
func (b *Bee) runJob(ctx context.Context, desc domain.JobDescriptor) error {
	f, err := os.Open(desc.JobFile)
	if err != nil {
		return fmt.Errorf("worker: open %s: %w", desc.JobFile, err)
	}
	defer f.Close()

	job, err := codec.ReadJobAt(f, desc.Offset)
	if err != nil {
		return fmt.Errorf("worker: job %s at offset %d: %w", desc.JobID, desc.Offset, err)
	}
	if job.ID != desc.JobID {
		// Integrity failure for this job only; the worker moves on.
		b.log.Error("job id mismatch, skipping",
			slog.String("want", desc.JobID),
			slog.String("got", job.ID),
			slog.Uint64("offset", desc.Offset))
		b.sink.Error(fmt.Sprintf("job id mismatch: want %s got %s", desc.JobID, job.ID))
		return nil
	}
	if len(job.Tasks) == 0 {
		return nil
	}

	if b.cfg.DryRun {
		b.sink.Tally(StatJobCompleted)
		return nil
	}

	jobCtx, span := b.tracer.Start(ctx, "replay.job")
	defer span.End()

	timeScale := b.cfg.TimeScale()
	started := false
	failed := false

	for _, t := range job.Tasks {
		if b.cfg.Paced() {
			targetWall := desc.ReplayOrigin.Add(time.Duration(t.Offset * timeScale * float64(time.Second)))
			if wait := targetWall.Sub(b.now()); wait > 0 {
				if wait > longWaitThreshold {
					b.log.Info("long wait before request",
						slog.String("job_id", job.ID),
						slog.Duration("wait", wait))
				}
				if err := b.sleep(jobCtx, wait); err != nil {
					break
				}
			}
		}

		request := strings.TrimSpace(string(t.Request))
		if request == "" || request == "Quit" {
			// "Quit" markers from old job generators are not real requests.
			continue
		}

		if !started {
			started = true
			b.sink.Level(StatJobsRunning, +1)
			observability.JobStarted()
			b.adapter.StartJob(job.ID)
		}

		b.sink.Level(StatRequestsRunning, +1)
		observability.RequestStarted()
		start := b.now()
		ok := b.adapter.SendRequest(t.Request)
		elapsed := b.now().Sub(start)
		b.sink.Series(StatRequestDuration, elapsed.Seconds()*1000)
		b.sink.Level(StatRequestsRunning, -1)
		observability.RequestFinished(elapsed)

		if !ok {
			// A failed connection or transactional error makes the rest of
			// the captured sequence meaningless.
			failed = true
			break
		}
	}

	if started {
		b.adapter.FinishJob(job.ID)
		b.sink.Level(StatJobsRunning, -1)
		if failed {
			observability.JobFinished("failed")
		} else {
			observability.JobFinished("ok")
		}
	}
	if !failed {
		b.sink.Tally(StatJobCompleted)
	}
	return nil
}
