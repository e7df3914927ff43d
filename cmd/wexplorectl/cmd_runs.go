package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newRunsCmd(root *rootOptions) *cobra.Command {
	var checkpoints bool
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := root.open(cmd, nil)
			if err != nil {
				return err
			}
			defer s.Close()
			out := cmd.OutOrStdout()

			if checkpoints {
				ids, err := s.client.CheckpointRuns()
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintln(out, id)
				}
				return nil
			}
			runs, err := s.client.Runs(cmd.Context())
			if err != nil {
				return err
			}
			for _, r := range runs {
				parent := r.ParentRun
				if parent == "" {
					parent = "-"
				}
				fmt.Fprintf(out, "%s\tindex=%d\tparent=%s\tstart_cycle=%d\twalkers=%d\t%s\n",
					r.RunID, r.RunIndex, parent, r.StartCycle, r.Walkers, r.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&checkpoints, "checkpoints", false, "list run directories in the checkpoint store instead")
	return cmd
}
