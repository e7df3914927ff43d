package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"wexplore/internal/config"
)

func newInspectCmd(root *rootOptions) *cobra.Command {
	var flags struct {
		runID      string
		checkpoint string
		ckptDir    string
		list       bool
		asJSON     bool
	}
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Summarize a checkpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if flags.runID == "" && flags.checkpoint == "" {
				return errors.New("inspect requires --run-id or --checkpoint")
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
			out := cmd.OutOrStdout()

			if flags.list {
				paths, err := s.client.Checkpoints(flags.runID)
				if err != nil {
					return err
				}
				for _, p := range paths {
					fmt.Fprintln(out, p)
				}
				return nil
			}

			info, err := s.client.Inspect(cmd.Context(), flags.runID, flags.checkpoint)
			if err != nil {
				return err
			}
			if flags.asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			fmt.Fprintf(out, "run_id:     %s\n", info.RunID)
			fmt.Fprintf(out, "run_index:  %d\n", info.RunIndex)
			if info.ParentRun != "" {
				fmt.Fprintf(out, "parent:     %s\n", info.ParentRun)
			}
			fmt.Fprintf(out, "cycle:      %d\n", info.CycleIndex)
			fmt.Fprintf(out, "seed:       %d\n", info.Seed)
			fmt.Fprintf(out, "walkers:    %d\n", info.Walkers)
			fmt.Fprintf(out, "weight:     total=%.12g min=%.6g max=%.6g\n", info.TotalWeight, info.MinWeight, info.MaxWeight)
			fmt.Fprintf(out, "resampler:  %s\n", info.ResamplerKind)
			fmt.Fprintf(out, "boundary:   %s\n", info.BoundaryKind)
			if len(info.Regions) > 0 {
				fmt.Fprintf(out, "regions:    %v\n", info.Regions)
			}
			fmt.Fprintf(out, "created_at: %s\n", info.CreatedAt.Format(time.RFC3339))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.runID, "run-id", "", "inspect the latest checkpoint of this run")
	f.StringVar(&flags.checkpoint, "checkpoint", "", "inspect this checkpoint file")
	f.StringVar(&flags.ckptDir, "checkpoint-dir", "", "checkpoint directory override")
	f.BoolVar(&flags.list, "list", false, "list the run's checkpoint files instead")
	f.BoolVar(&flags.asJSON, "json", false, "print the summary as JSON")
	return cmd
}
