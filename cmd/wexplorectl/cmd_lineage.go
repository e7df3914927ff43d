package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"wexplore/pkg/wexplore"
)

func newLineageCmd(root *rootOptions) *cobra.Command {
	var req wexplore.LineageRequest
	cmd := &cobra.Command{
		Use:   "lineage",
		Short: "Trace a walker back to the initial ensemble",
		Long: "lineage follows resampling decisions back from a walker. It needs\n" +
			"cycle records in a persistent store (reporters.store with a sqlite\n" +
			"or badger backend).",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if req.RunID == "" {
				return errors.New("lineage requires --run-id")
			}
			s, err := root.open(cmd, nil)
			if err != nil {
				return err
			}
			defer s.Close()

			steps, err := s.client.Lineage(cmd.Context(), req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, step := range steps {
				warped := ""
				if step.Warped {
					warped = " warped"
				}
				fmt.Fprintf(out, "cycle=%d walker=%d parent=%d%s\n", step.Cycle, step.Walker, step.Parent, warped)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.RunID, "run-id", "", "run the walker belongs to")
	f.IntVar(&req.Cycle, "cycle", 0, "cycle of the walker")
	f.IntVar(&req.Walker, "walker", 0, "walker index after resampling")
	return cmd
}
