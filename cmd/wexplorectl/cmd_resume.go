package main

import (
	"errors"

	"github.com/spf13/cobra"

	"wexplore/internal/config"
	"wexplore/pkg/wexplore"
)

func newResumeCmd(root *rootOptions) *cobra.Command {
	var flags struct {
		runID      string
		checkpoint string
		newRunID   string
		cycles     int
		segLens    []int
		ckptDir    string
	}
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Continue a run from its latest checkpoint or a checkpoint file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if flags.runID == "" && flags.checkpoint == "" {
				return errors.New("resume requires --run-id or --checkpoint")
			}
			s, err := root.open(cmd, func(cfg *config.Config) {
				if flags.ckptDir != "" {
					cfg.Checkpoint.Dir = flags.ckptDir
				}
			})
			if err != nil {
				return err
			}
			defer s.Close()

			summary, err := s.client.Resume(cmd.Context(), wexplore.ResumeRequest{
				RunID:          flags.runID,
				CheckpointPath: flags.checkpoint,
				NewRunID:       flags.newRunID,
				Cycles:         flags.cycles,
				SegmentLengths: flags.segLens,
			})
			printSummary(cmd.OutOrStdout(), summary)
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.runID, "run-id", "", "resume from the latest checkpoint of this run")
	f.StringVar(&flags.checkpoint, "checkpoint", "", "resume from this checkpoint file")
	f.StringVar(&flags.newRunID, "new-run-id", "", "id of the continuation (default: generated)")
	f.IntVar(&flags.cycles, "cycles", 0, "cycles to run (default: run.cycles)")
	f.IntSliceVar(&flags.segLens, "segment-length", nil, "segment length, or one per cycle")
	f.StringVar(&flags.ckptDir, "checkpoint-dir", "", "checkpoint directory override")
	return cmd
}
