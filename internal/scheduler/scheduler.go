// Package scheduler streams indexed jobs off disk and dispatches them onto
// the job queue at their captured start times scaled by the speedup factor.
// It throttles itself to a bounded look-ahead so the queue never holds more
// than max-ahead seconds of unissued work, and supports skip/offset
// sharding across replay hosts with an optional ramp-down of load.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/lexelby/apiary/internal/codec"
	"github.com/lexelby/apiary/internal/config"
	"github.com/lexelby/apiary/internal/domain"
	"github.com/lexelby/apiary/internal/observability"
)

// behindThreshold is how late dispatch may run before the scheduler warns.
const behindThreshold = 10.0

// warnInterval rate-limits fall-behind warnings.
const warnInterval = 60 * time.Second

// Scheduler is the job distributor.
type Scheduler struct {
	cfg   config.Config
	queue domain.JobQueue
	log   *slog.Logger

	// Clock indirection for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	lastWarning time.Time
}

// New builds a scheduler dispatching onto queue.
func New(cfg config.Config, queue domain.JobQueue, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cfg:   cfg,
		queue: queue,
		log:   log,
		now:   time.Now,
		sleep: sleepCtx,
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

// Run streams the index (or, when indexPath is missing, scans the job file
// linearly) and dispatches every selected job. Returns the number of jobs
// dispatched. Context cancellation stops dispatch without error counting as
// interrupt-driven shutdown.
func (s *Scheduler) Run(ctx context.Context, jobPath, indexPath string) (int, error) {
	entries, closeEntries, err := openEntries(jobPath, indexPath, s.log)
	if err != nil {
		return 0, err
	}
	defer closeEntries()

	replayOrigin := s.now().Add(s.cfg.StartupWait)
	if s.cfg.StartupWait > 0 {
		s.log.Info("waiting before first dispatch", slog.Duration("startup_wait", s.cfg.StartupWait))
		if err := s.sleep(ctx, s.cfg.StartupWait); err != nil {
			return 0, nil
		}
	}

	timeScale := s.cfg.TimeScale()
	currentSkip := s.cfg.Skip
	skipCounter := s.cfg.Skip
	lastJobStartSecond := 0
	jobsSent := 0

	s.log.Info("scheduler running",
		slog.String("job_file", jobPath),
		slog.Float64("speedup", s.cfg.Speedup),
		slog.Bool("asap", !s.cfg.Paced()),
		slog.Duration("max_ahead", s.cfg.MaxAhead))

	for {
		e, ok, err := entries()
		if err != nil {
			return jobsSent, err
		}
		if !ok {
			break
		}

		// Ramp-down: once per capture second, relax the skip toward
		// min-skip so load decreases over the run.
		if second := int(math.Floor(e.StartTime)); second > lastJobStartSecond {
			if s.cfg.RampTime > 0 {
				currentSkip = s.cfg.Skip - int(float64(second)/s.cfg.RampTime)
				if currentSkip < s.cfg.MinSkip {
					currentSkip = s.cfg.MinSkip
				}
			}
			lastJobStartSecond = second
		}

		// Skip/offset sharding: N hosts with offsets 0..N-1 and skip N-1
		// partition the stream disjointly.
		if currentSkip > 0 {
			skipCounter--
			if skipCounter < 0 {
				skipCounter = currentSkip
			}
			if skipCounter != s.cfg.Offset {
				continue
			}
		}

		if s.cfg.Paced() {
			targetDelay := e.StartTime*timeScale - s.now().Sub(replayOrigin).Seconds()
			if ahead := targetDelay - s.cfg.MaxAhead.Seconds(); ahead > 0 {
				if err := s.sleep(ctx, time.Duration(ahead*float64(time.Second))); err != nil {
					s.log.Info("scheduler interrupted", slog.Int("jobs_sent", jobsSent))
					return jobsSent, nil
				}
			} else if targetDelay < -behindThreshold {
				if now := s.now(); now.Sub(s.lastWarning) > warnInterval {
					s.log.Warn("scheduler is falling behind",
						slog.Float64("behind_s", -targetDelay),
						slog.String("job_id", e.ID))
					s.lastWarning = now
				}
			}
		}

		msg := domain.JobMessage{
			Kind: domain.JobMessageJob,
			Descriptor: domain.JobDescriptor{
				ReplayOrigin: replayOrigin,
				JobID:        e.ID,
				JobFile:      jobPath,
				Offset:       e.Offset,
			},
		}
		if err := s.queue.Put(ctx, msg); err != nil {
			if errors.Is(err, domain.ErrQueueClosed) || errors.Is(err, context.Canceled) {
				s.log.Info("scheduler interrupted", slog.Int("jobs_sent", jobsSent))
				return jobsSent, nil
			}
			return jobsSent, fmt.Errorf("scheduler: dispatch %s: %w", e.ID, err)
		}
		jobsSent++
		observability.JobDispatched()
	}

	s.log.Info("scheduler drained", slog.Int("jobs_sent", jobsSent))
	return jobsSent, nil
}

// openEntries yields index entries in order. When no index file exists the
// job file is scanned linearly and entries are derived from each frame; the
// index is preferred since it avoids decoding every frame up front.
func openEntries(jobPath, indexPath string, log *slog.Logger) (func() (domain.IndexEntry, bool, error), func(), error) {
	if indexPath != "" {
		f, err := os.Open(indexPath)
		if err == nil {
			next := func() (domain.IndexEntry, bool, error) {
				e, err := codec.ReadIndexEntry(f)
				if err == io.EOF {
					return domain.IndexEntry{}, false, nil
				}
				if err != nil {
					return domain.IndexEntry{}, false, fmt.Errorf("scheduler: read index: %w", err)
				}
				return e, true, nil
			}
			return next, func() { _ = f.Close() }, nil
		}
		if !os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("scheduler: open index %s: %w", indexPath, err)
		}
		log.Info("no index file, falling back to linear scan", slog.String("index", indexPath))
	}

	f, err := os.Open(jobPath)
	if err != nil {
		return nil, nil, fmt.Errorf("scheduler: open job file %s: %w", jobPath, err)
	}
	next := func() (domain.IndexEntry, bool, error) {
		start, err := f.Seek(0, io.SeekCurrent)
		if err != nil {
			return domain.IndexEntry{}, false, fmt.Errorf("scheduler: scan job file: %w", err)
		}
		j, err := codec.ReadJob(f)
		if err == io.EOF {
			return domain.IndexEntry{}, false, nil
		}
		if err != nil {
			return domain.IndexEntry{}, false, fmt.Errorf("scheduler: scan job file: %w", err)
		}
		return domain.IndexEntry{ID: j.ID, StartTime: j.StartTime(), Offset: uint64(start)}, true, nil
	}
	return next, func() { _ = f.Close() }, nil
}
