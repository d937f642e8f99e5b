package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

func newCheckpointsCmd(root *rootOptions) *cobra.Command {
	var save bool
	cmd := &cobra.Command{
		Use:   "checkpoints TRACE_DIR...",
		Short: "Precompute the checkpoints of traces",
		Long: `Walk every trace through the state engine in the background, taking a
checkpoint every checkpointSaveInterval events, and report the checkpoints
taken. With --save they are written to checkpointDir, where later runs with
persistCheckpoints set pick them up.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			s, err := root.openSession(ctx, args)
			if err != nil {
				return err
			}
			defer func() {
				err = multierr.Append(err, s.Close())
			}()
			if err := s.PrecomputeCheckpoints(ctx); err != nil {
				return err
			}
			s.WaitCheckpoints()
			s.StopLoader()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TRACE\tEVENTS\tCHECKPOINTS\tFOOTPRINT\tSTATUS")
			var errs error
			for _, t := range s.Traces() {
				status := "ok"
				if terr := t.Err(); terr != nil {
					status = "failed"
					errs = multierr.Append(errs, terr)
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", t.Name(),
					humanize.Comma(int64(t.Ordinal())), t.Store().Len(),
					humanize.Bytes(uint64(t.Store().Footprint())), status)
				if save {
					errs = multierr.Append(errs, s.SaveCheckpoints(ctx, t.Name()))
				}
			}
			tw.Flush()
			return errs
		},
	}
	cmd.Flags().BoolVar(&save, "save", false, "Write the checkpoints to checkpointDir")
	return cmd
}
