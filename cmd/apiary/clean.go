package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lexelby/apiary/internal/domain"
	"github.com/lexelby/apiary/internal/queue"
)

func newCleanCmd(state *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Purge broker queues left over from previous runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := state.cfg
			switch cfg.Broker {
			case queue.FabricRedis:
				f, err := queue.DialRedis(cfg)
				if err != nil {
					return err
				}
				defer func() { _ = f.Jobs().Close() }()
				if err := f.Purge(cmd.Context()); err != nil {
					return err
				}
			case queue.FabricKafka:
				f, err := queue.DialKafka(cfg)
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				if err := f.Purge(cmd.Context()); err != nil {
					return err
				}
			default:
				return fmt.Errorf("nothing to clean for broker %q: %w", cfg.Broker, domain.ErrBadConfig)
			}
			fmt.Println("Queues purged.")
			return nil
		},
	}
}
