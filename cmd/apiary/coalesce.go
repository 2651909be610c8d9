package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lexelby/apiary/internal/capture"
	"github.com/lexelby/apiary/internal/coalesce"
	"github.com/lexelby/apiary/internal/domain"
)

func newCoalesceCmd(state *rootState) *cobra.Command {
	var (
		output      string
		indexPath   string
		shelfLife   float64
		maxLife     float64
		rebase      bool
		splitN      int
		splitPrefix string
	)

	cmd := &cobra.Command{
		Use:   "coalesce [capture-file...]",
		Short: "Merge capture files and coalesce sessions into a job file plus index",
		Long: `Coalesce k-way merges one or more time-sorted capture files, groups the
interleaved events into per-session jobs, and writes a job file plus a
start-time-sorted index suitable for replay. With no arguments it reads a
single capture from stdin.`,
		RunE: func(_ *cobra.Command, args []string) error {
			sources, closeSources, err := capture.OpenAll(args)
			if err != nil {
				return err
			}
			defer closeSources()
			merged := capture.Merge(sources...)

			if splitN > 0 {
				return splitEvents(merged, splitPrefix, splitN)
			}

			if indexPath == "" {
				indexPath = output + ".idx"
			}
			emitter, err := coalesce.CreateFiles(output, indexPath)
			if err != nil {
				return err
			}
			c := coalesce.New(emitter, coalesce.Options{
				ShelfLife: shelfLife,
				MaxLife:   maxLife,
				Rebase:    rebase,
			})
			if err := c.Run(merged); err != nil {
				_ = emitter.Close()
				return err
			}
			if err := emitter.Close(); err != nil {
				return fmt.Errorf("close output: %w", err)
			}
			fmt.Printf("Wrote %d jobs to %s (index %s).\n", c.Emitted(), output, indexPath)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&output, "output", "o", "apiary.jobs", "job file to write")
	f.StringVar(&indexPath, "index", "", "index file to write (default <output>.idx)")
	f.Float64Var(&shelfLife, "shelf-life", coalesce.DefaultShelfLife, "force-end a session quiet this many capture seconds")
	f.Float64Var(&maxLife, "max-life", coalesce.DefaultMaxLife, "force-end a session this many capture seconds after it starts")
	f.BoolVar(&rebase, "rebase", false, "rebase task offsets to the first event (for epoch-stamped captures)")
	f.IntVar(&splitN, "split", 0, "instead of coalescing, round-robin merged events into N capture files")
	f.StringVar(&splitPrefix, "split-prefix", "split-", "output prefix for --split")
	return cmd
}

// splitEvents round-robins the merged stream into n capture files, a
// preprocessing step for sharding captures by hand.
func splitEvents(merged capture.Source, prefix string, n int) error {
	files := make([]*os.File, n)
	for i := range files {
		f, err := os.Create(fmt.Sprintf("%s%d", prefix, i))
		if err != nil {
			return fmt.Errorf("split: %w", err)
		}
		files[i] = f
	}
	defer func() {
		for _, f := range files {
			_ = f.Close()
		}
	}()

	count := 0
	for {
		e, ok, err := merged.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if _, err := files[count%n].WriteString(formatStanza(e)); err != nil {
			return fmt.Errorf("split: write: %w", err)
		}
		count++
	}
	fmt.Printf("Split %d events into %d files.\n", count, n)
	return nil
}

// formatStanza renders an event in the native capture format.
func formatStanza(e domain.Event) string {
	return fmt.Sprintf("%f\t%s\t%s\t%s\n%s\n**************************************\n",
		e.Time, e.SessionID, e.Source, e.Kind, e.Body)
}
