package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lexelby/apiary/internal/config"
	"github.com/lexelby/apiary/internal/observability"
)

// rootState carries configuration from the root command into subcommands.
// Precedence is environment < config file < flags: the file is located by a
// pre-scan of the arguments so flag defaults can be seeded before parsing.
type rootState struct {
	cfg        config.Config
	loadErr    error
	profileOut *os.File
}

func newRootCmd() *cobra.Command {
	state := &rootState{}
	state.cfg, state.loadErr = config.Load()
	if state.loadErr == nil {
		if path := findConfigArg(os.Args[1:]); path != "" {
			state.loadErr = state.cfg.ApplyFile(path)
		}
	}

	root := &cobra.Command{
		Use:           "apiary",
		Short:         "Replay captured query logs against a live server for load testing",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if state.loadErr != nil {
				return state.loadErr
			}
			logger := observability.SetupLogger(state.cfg)
			slog.SetDefault(logger)

			if state.cfg.Profile {
				f, err := os.Create("apiary.pprof")
				if err != nil {
					return fmt.Errorf("create profile: %w", err)
				}
				if err := pprof.StartCPUProfile(f); err != nil {
					_ = f.Close()
					return fmt.Errorf("start profile: %w", err)
				}
				state.profileOut = f
			}
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if state.profileOut != nil {
				pprof.StopCPUProfile()
				_ = state.profileOut.Close()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "YAML config file overlaying environment settings")
	pf.CountVarP(&state.cfg.Verbose, "verbose", "v", "increase output (repeatable)")
	pf.BoolVar(&state.cfg.Debug, "debug", state.cfg.Debug, "print debug messages")
	pf.BoolVar(&state.cfg.Profile, "profile", state.cfg.Profile, "write a CPU profile to apiary.pprof")
	pf.StringVar(&state.cfg.Broker, "broker", state.cfg.Broker, "queue fabric: channel, redis, or kafka")

	root.AddCommand(newReplayCmd(state))
	root.AddCommand(newCoalesceCmd(state))
	root.AddCommand(newWorkerCmd(state))
	root.AddCommand(newCleanCmd(state))
	return root
}

// findConfigArg pre-scans args for --config so the file can be applied
// before flag defaults are bound.
func findConfigArg(args []string) string {
	for i, a := range args {
		if a == "--config" && i+1 < len(args) {
			return args[i+1]
		}
		if len(a) > len("--config=") && a[:len("--config=")] == "--config=" {
			return a[len("--config="):]
		}
	}
	return ""
}

// signalContext returns a context cancelled on the first SIGINT/SIGTERM.
// A second signal aborts the process without waiting for shutdown.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
		cancel()
		sig = <-sigCh
		slog.Warn("second signal, aborting", slog.String("signal", sig.String()))
		os.Exit(130)
	}()
	return ctx, cancel
}
