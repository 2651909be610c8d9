package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lexelby/apiary/internal/domain"
	"github.com/lexelby/apiary/internal/observability"
	"github.com/lexelby/apiary/internal/protocol"
	"github.com/lexelby/apiary/internal/queue"
	"github.com/lexelby/apiary/internal/worker"
)

func newWorkerCmd(state *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run one standalone worker process against a shared broker",
		Long: `Worker consumes job descriptors from a shared broker fabric (redis or
kafka), so a replay can spread worker processes across hosts: start the
workers first, then run the scheduler anywhere with the same broker
settings. The job file must be readable at the same path on every host.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := state.cfg
			if cfg.Protocol == "" {
				return fmt.Errorf("--protocol is required (have: %v): %w", protocol.Names(), domain.ErrBadConfig)
			}
			if cfg.Broker == "" || cfg.Broker == queue.FabricChannel {
				return fmt.Errorf("standalone workers need a shared broker (--broker redis|kafka): %w", domain.ErrBadConfig)
			}
			if err := cfg.Validate(); err != nil {
				return err
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

			p := worker.NewProcess(cfg, queues.Jobs, queues.Stats, factory, nil)
			err = p.Run(ctx)

			if shutdownTracer != nil {
				_ = shutdownTracer(cmd.Context())
			}
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&state.cfg.Protocol, "protocol", state.cfg.Protocol, "protocol adapter to replay with (required)")
	f.IntVarP(&state.cfg.Threads, "threads", "t", state.cfg.Threads, "threads in this worker process")
	f.Float64Var(&state.cfg.Speedup, "speedup", state.cfg.Speedup, "time multiple; must match the scheduler's")
	f.BoolVar(&state.cfg.ASAP, "asap", state.cfg.ASAP, "send requests as fast as possible (no pacing)")
	f.BoolVarP(&state.cfg.DryRun, "dry-run", "n", state.cfg.DryRun, "complete jobs without sending requests")
	return cmd
}
