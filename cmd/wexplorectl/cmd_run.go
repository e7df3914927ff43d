package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"wexplore/internal/config"
	"wexplore/pkg/wexplore"
)

func newRunCmd(root *rootOptions) *cobra.Command {
	var flags struct {
		runID     string
		seed      int64
		walkers   int
		cycles    int
		segLens   []int
		ckptDir   string
		jsonl     string
		dashboard string
	}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a new run from the configured initial state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := root.open(cmd, func(cfg *config.Config) {
				if cmd.Flags().Changed("seed") {
					cfg.Run.Seed = flags.seed
				}
				if flags.walkers > 0 {
					cfg.Run.Walkers = flags.walkers
				}
				if flags.ckptDir != "" {
					cfg.Checkpoint.Dir = flags.ckptDir
				}
				if flags.jsonl != "" {
					cfg.Reporters.JSONL = flags.jsonl
				}
				if flags.dashboard != "" {
					cfg.Reporters.Dashboard = flags.dashboard
				}
			})
			if err != nil {
				return err
			}
			defer s.Close()

			summary, err := s.client.Run(cmd.Context(), wexplore.RunRequest{
				RunID:          flags.runID,
				Cycles:         flags.cycles,
				SegmentLengths: flags.segLens,
			})
			printSummary(cmd.OutOrStdout(), summary)
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.runID, "run-id", "", "run id (default: generated)")
	f.Int64Var(&flags.seed, "seed", 0, "random seed override")
	f.IntVar(&flags.walkers, "walkers", 0, "initial ensemble size override")
	f.IntVar(&flags.cycles, "cycles", 0, "cycles to run (default: run.cycles)")
	f.IntSliceVar(&flags.segLens, "segment-length", nil, "segment length, or one per cycle")
	f.StringVar(&flags.ckptDir, "checkpoint-dir", "", "checkpoint directory override")
	f.StringVar(&flags.jsonl, "jsonl", "", "write cycle records to this JSONL file")
	f.StringVar(&flags.dashboard, "dashboard", "", "write a text dashboard to this file")
	return cmd
}

func printSummary(out io.Writer, s wexplore.RunSummary) {
	if s.RunID == "" {
		return
	}
	fmt.Fprintf(out, "run_id=%s run_index=%d", s.RunID, s.RunIndex)
	if s.ParentRun != "" {
		fmt.Fprintf(out, " parent=%s", s.ParentRun)
	}
	fmt.Fprintf(out, " cycles=%d..%d walkers=%d status=%s\n", s.FirstCycle, s.LastCycle, s.Walkers, s.Status)
	if len(s.Regions) > 0 {
		fmt.Fprintf(out, "regions=%v\n", s.Regions)
	}
	if s.CheckpointPath != "" {
		fmt.Fprintf(out, "checkpoint=%s\n", s.CheckpointPath)
	}
}
