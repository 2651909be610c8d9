package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lexelby/apiary/internal/beekeeper"
	"github.com/lexelby/apiary/internal/domain"
	"github.com/lexelby/apiary/internal/observability"
	"github.com/lexelby/apiary/internal/protocol"
	"github.com/lexelby/apiary/internal/queue"
	"github.com/lexelby/apiary/internal/worker"

	// Compiled-in protocol adapters register themselves.
	_ "github.com/lexelby/apiary/internal/protocol/countdb"
	_ "github.com/lexelby/apiary/internal/protocol/httpproto"
	_ "github.com/lexelby/apiary/internal/protocol/mysqlproto"
	_ "github.com/lexelby/apiary/internal/protocol/testproto"
)

func newReplayCmd(state *rootState) *cobra.Command {
	var (
		indexPath        string
		staggerWorkersMS = int(state.cfg.StaggerWorkers.Milliseconds())
		staggerThreadsMS = int(state.cfg.StaggerThreads.Milliseconds())
		startupWaitS     = state.cfg.StartupWait.Seconds()
		maxAheadS        = int(state.cfg.MaxAhead.Seconds())
		rampTimeS        = state.cfg.RampTime
		statsIntervalS   = int(state.cfg.StatsInterval.Seconds())
	)

	cmd := &cobra.Command{
		Use:   "replay <job-file>",
		Short: "Run a load test from a coalesced job file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := state.cfg
			cfg.StaggerWorkers = time.Duration(staggerWorkersMS) * time.Millisecond
			cfg.StaggerThreads = time.Duration(staggerThreadsMS) * time.Millisecond
			cfg.StartupWait = time.Duration(startupWaitS * float64(time.Second))
			cfg.MaxAhead = time.Duration(maxAheadS) * time.Second
			cfg.RampTime = rampTimeS
			cfg.StatsInterval = time.Duration(statsIntervalS) * time.Second

			if cfg.Protocol == "" {
				return fmt.Errorf("--protocol is required (have: %v): %w", protocol.Names(), domain.ErrBadConfig)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			// Fail on an unknown protocol before any work starts.
			if _, err := protocol.New(cfg.Protocol, cfg, nopSink{}); err != nil {
				return err
			}

			jobPath := args[0]
			if indexPath == "" {
				indexPath = jobPath + ".idx"
			}
			if _, err := os.Stat(jobPath); err != nil {
				return fmt.Errorf("job file: %w", err)
			}

			observability.InitMetrics()
			observability.StartMetricsServer(cfg.MetricsAddr)
			shutdownTracer, err := observability.SetupTracing(cfg)
			if err != nil {
				return fmt.Errorf("setup tracing: %w", err)
			}

			queues, err := queue.New(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = queues.Close() }()

			factory := worker.AdapterFactory(func(sink domain.StatsSink) (domain.Adapter, error) {
				return protocol.New(cfg.Protocol, cfg, sink)
			})

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			keeper := beekeeper.New(cfg, queues, factory, nil, os.Stdout)
			_, err = keeper.Run(ctx, jobPath, indexPath)

			if shutdownTracer != nil {
				_ = shutdownTracer(cmd.Context())
			}
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&state.cfg.Protocol, "protocol", state.cfg.Protocol, "protocol adapter to replay with (required)")
	f.IntVarP(&state.cfg.Workers, "workers", "w", state.cfg.Workers, "number of worker processes")
	f.IntVarP(&state.cfg.Threads, "threads", "t", state.cfg.Threads, "threads per worker process")
	f.IntVar(&staggerWorkersMS, "stagger-workers", staggerWorkersMS, "delay between worker process starts (ms)")
	f.IntVar(&staggerThreadsMS, "stagger-threads", staggerThreadsMS, "delay between thread starts within a worker (ms)")
	f.Float64Var(&startupWaitS, "startup-wait", startupWaitS, "delay between ready and first dispatch (seconds)")
	f.Float64Var(&state.cfg.Speedup, "speedup", state.cfg.Speedup, "time multiple; 2.0 replays twice as fast")
	f.BoolVar(&state.cfg.ASAP, "asap", state.cfg.ASAP, "send requests as fast as possible (no pacing)")
	f.IntVar(&maxAheadS, "max-ahead", maxAheadS, "how many seconds ahead the scheduler may run (look-ahead cap)")
	f.IntVar(&state.cfg.Skip, "skip", state.cfg.Skip, "skip this many jobs between dispatched jobs (sharding)")
	f.IntVar(&state.cfg.Offset, "offset", state.cfg.Offset, "this host's offset within the skip cycle")
	f.IntVar(&state.cfg.MinSkip, "min-skip", state.cfg.MinSkip, "floor for the ramped-down skip")
	f.Float64Var(&rampTimeS, "ramp-time", rampTimeS, "seconds of capture time per unit of skip ramp-down (0 disables)")
	f.BoolVarP(&state.cfg.DryRun, "dry-run", "n", state.cfg.DryRun, "dispatch and pace but send no requests")
	f.IntVarP(&statsIntervalS, "stats-interval", "i", statsIntervalS, "stats report period (seconds)")
	f.StringVar(&indexPath, "index", "", "index file path (default <job-file>.idx; linear scan if missing)")
	return cmd
}

// nopSink satisfies domain.StatsSink for pre-flight adapter construction.
type nopSink struct{}

func (nopSink) Tally(string)           {}
func (nopSink) Level(string, int)      {}
func (nopSink) Series(string, float64) {}
func (nopSink) Error(string)           {}
