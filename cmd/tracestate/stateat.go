package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/aquilax/truncate"
	"github.com/kubescape/tracestate/pkg/event"
	"github.com/kubescape/tracestate/pkg/tracestate"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

func newStateAtCmd(root *rootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "state-at TIME TRACE_DIR...",
		Short: "Show the state of each trace right before a time",
		Long: `Rebuild the state of each trace as it was right before TIME, from the
closest checkpoint, and list the running process of every CPU followed by
the known processes. TIME is sec.nsec or a count of nanoseconds.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			at, err := event.ParseTime(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			s, err := root.openSession(ctx, args[1:])
			if err != nil {
				return err
			}
			defer func() {
				err = multierr.Append(err, s.Close())
			}()
			for _, t := range s.Traces() {
				st, err := s.GetStateAt(ctx, t.Name(), at)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "== %s at %s\n", t.Name(), at)
				writeState(cmd.OutOrStdout(), st, all)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Also list processes that are not running")
	return cmd
}

func writeState(w io.Writer, st *tracestate.TraceState, all bool) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CPU\tPID\tPPID\tNAME\tMODE\tSUBMODE\tSTATUS\tDEPTH")
	for cpu := range st.NumCPUs() {
		p := st.RunningProcess(uint32(cpu))
		if p == nil {
			continue
		}
		writeProcess(tw, fmt.Sprint(cpu), p)
	}
	if all {
		fmt.Fprintln(tw, "\t\t\t\t\t\t\t")
		for _, p := range st.Procs.Processes() {
			writeProcess(tw, "-", p)
		}
	}
	tw.Flush()
}

func writeProcess(w io.Writer, cpu string, p *tracestate.Process) {
	top := p.Stack.Top()
	fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\t%s\t%s\t%d\n", cpu, p.PID, p.PPID,
		truncate.Truncate(p.Name, nameWidth, "...", truncate.PositionEnd),
		top.Mode, top.Submode, top.Status, p.Stack.Depth())
}
