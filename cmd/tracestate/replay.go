package main

import (
	"cmp"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/aquilax/truncate"
	"github.com/dustin/go-humanize"
	"github.com/kubescape/tracestate/pkg/event"
	"github.com/kubescape/tracestate/pkg/scheduler"
	"github.com/kubescape/tracestate/pkg/session"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

const nameWidth = 20

type replayOptions struct {
	start string
	end   string
	limit int
	print bool
}

func newReplayCmd(root *rootOptions) *cobra.Command {
	opts := &replayOptions{}
	cmd := &cobra.Command{
		Use:   "replay TRACE_DIR...",
		Short: "Replay traces through the state engine",
		Long: `Replay every event of the given traces in timestamp order and report how
many events of each type were seen. With --print every event is listed
together with the process running on its CPU.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, root, opts, args)
		},
	}
	cmd.Flags().StringVar(&opts.start, "start", "", "Start time, as sec.nsec or nanoseconds")
	cmd.Flags().StringVar(&opts.end, "end", "", "End time (exclusive), as sec.nsec or nanoseconds")
	cmd.Flags().IntVar(&opts.limit, "limit", scheduler.Unlimited, "Maximum number of events, -1 for no limit")
	cmd.Flags().BoolVar(&opts.print, "print", false, "Print every event")
	return cmd
}

func runReplay(cmd *cobra.Command, root *rootOptions, opts *replayOptions, dirs []string) (err error) {
	start, err := parseTimeFlag("start", opts.start, event.TimeZero)
	if err != nil {
		return err
	}
	end, err := parseTimeFlag("end", opts.end, event.TimeInfinite)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	s, err := root.openSession(ctx, dirs)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, s.Close())
	}()

	out := cmd.OutOrStdout()
	counts := make(map[event.Key]int)
	var reason scheduler.Reason
	r := scheduler.NewEventsRequest("replay", scheduler.Hooks{
		Event: func(ev *event.Event) error {
			counts[ev.Key()]++
			if opts.print {
				printEvent(out, s, ev)
			}
			return nil
		},
		AfterRequest: func(_ *scheduler.EventsRequest, why scheduler.Reason) { reason = why },
	})
	r.StartTime = start
	r.EndTime = end
	r.NumEvents = opts.limit
	if _, err := s.RegisterEventRequest(r); err != nil {
		return err
	}

	began := time.Now()
	runErr := s.Run(ctx)
	elapsed := time.Since(began)
	writeCounts(out, counts)
	total := 0
	for _, n := range counts {
		total += n
	}
	fmt.Fprintf(out, "%s events in %s (%s)\n", humanize.Comma(int64(total)), elapsed.Round(time.Millisecond), reason)
	return runErr
}

// printEvent lists ev with the process running on its CPU. It runs inside
// the step, after the state handlers saw ev.
func printEvent(w io.Writer, s *session.Session, ev *event.Event) {
	trace, name := "-", "-"
	var pid uint64
	if t, ok := s.CurrentTrace(); ok {
		trace = t.Name()
		if p, ok := s.RunningProcessOf(trace, s.CurrentCPU()); ok {
			pid, name = p.PID, p.Name
		}
	}
	fmt.Fprintf(w, "%s %s cpu%-3d %-24s %7d %s\n", ev.Time, trace, ev.CPU, ev.Key(), pid,
		truncate.Truncate(name, nameWidth, "...", truncate.PositionEnd))
}

func writeCounts(w io.Writer, counts map[event.Key]int) {
	keys := make([]event.Key, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b event.Key) int {
		if c := cmp.Compare(counts[b], counts[a]); c != 0 {
			return c
		}
		return cmp.Compare(a.String(), b.String())
	})
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EVENT\tCOUNT")
	for _, k := range keys {
		fmt.Fprintf(tw, "%s\t%s\n", k, humanize.Comma(int64(counts[k])))
	}
	tw.Flush()
}
