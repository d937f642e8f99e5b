package session

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/kubescape/tracestate/pkg/config"
	"github.com/kubescape/tracestate/pkg/event"
	"github.com/kubescape/tracestate/pkg/metricsmanager"
	"github.com/kubescape/tracestate/pkg/scheduler"
	"github.com/kubescape/tracestate/pkg/tracestate"
	"github.com/kubescape/tracestate/pkg/traceset"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func genEvents(n int, offset event.Time) [][]event.Event {
	perCPU := make([][]event.Event, 2)
	running := []uint64{0, 0}
	for i := range n {
		cpu := i % 2
		ev := event.Event{Time: offset + event.Time(10*(i+1)), CPU: uint32(cpu), Channel: tracestate.ChannelKernel}
		round := uint64(i / 3)
		switch i % 3 {
		case 0:
			next := 300 + uint64(cpu)*10 + round%4
			ev.Name = tracestate.EventSchedule
			ev.Fields = event.Fields{"prev_pid": running[cpu], "next_pid": next, "prev_state": int64(0)}
			running[cpu] = next
		case 1:
			ev.Name = tracestate.EventSyscallEntry
			ev.Fields = event.Fields{"syscall_id": round % 5}
		case 2:
			ev.Name = tracestate.EventSyscallExit
		}
		perCPU[cpu] = append(perCPU[cpu], ev)
	}
	return perCPU
}

func writeTrace(t *testing.T, fs afero.Fs, dir string, perCPU [][]event.Event) {
	t.Helper()
	for cpu, events := range perCPU {
		var buf []byte
		for _, ev := range events {
			line, err := json.Marshal(ev)
			require.NoError(t, err)
			buf = append(append(buf, line...), '\n')
		}
		require.NoError(t, afero.WriteFile(fs, filepath.Join(dir, fmt.Sprintf("cpu_%d.jsonl", cpu)), buf, 0644))
	}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.CheckpointSaveInterval = 100
	cfg.ChunkNumEvents = 64
	cfg.LoaderChunkNumEvents = 30
	cfg.LockRetryTimeout = time.Second
	cfg.StepRetryMaxInterval = 5 * time.Millisecond
	cfg.CheckpointDir = "/checkpoints"
	return cfg
}

func newSession(t *testing.T, cfg config.Config, fs afero.Fs) (*Session, *metricsmanager.MetricsMock) {
	t.Helper()
	metrics := metricsmanager.NewMetricsMock()
	s, err := New(cfg, fs, metrics)
	require.NoError(t, err)
	return s, metrics
}

func collect(out *[]event.Time) scheduler.Hooks {
	return scheduler.Hooks{
		Event: func(ev *event.Event) error {
			*out = append(*out, ev.Time)
			return nil
		},
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.StateCacheSize = 0
	_, err := New(cfg, afero.NewMemMapFs(), nil)
	assert.Error(t, err)
}

func TestRunServesRequests(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTrace(t, fs, "/traces/a", genEvents(300, 0))
	writeTrace(t, fs, "/traces/b", genEvents(100, 5))
	s, metrics := newSession(t, testConfig(), fs)
	ctx := context.Background()

	_, err := s.LoadTrace(ctx, "a", "/traces/a", false)
	require.NoError(t, err)
	_, err = s.LoadTrace(ctx, "b", "/traces/b", false)
	require.NoError(t, err)
	_, err = s.LoadTrace(ctx, "a", "/traces/b", false)
	require.ErrorIs(t, err, traceset.ErrDuplicateTrace)

	var all, late []event.Time
	_, err = s.RegisterEventRequest(scheduler.NewEventsRequest("viewer", collect(&all)))
	require.NoError(t, err)
	r := scheduler.NewEventsRequest("stats", collect(&late))
	r.StartTime = 2000
	_, err = s.RegisterEventRequest(r)
	require.NoError(t, err)

	require.NoError(t, s.Run(ctx))
	assert.Len(t, all, 400)
	for i := 1; i < len(all); i++ {
		assert.LessOrEqual(t, all[i-1], all[i])
	}
	assert.Len(t, late, 101)
	assert.Equal(t, 300, metrics.EventCounter.Get("a"))
	assert.Equal(t, 100, metrics.EventCounter.Get("b"))
	assert.NoError(t, s.Close())
}

func TestHooksSeeCursorState(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTrace(t, fs, "/traces/a", genEvents(60, 0))
	s, _ := newSession(t, testConfig(), fs)
	ctx := context.Background()
	_, err := s.LoadTrace(ctx, "a", "/traces/a", false)
	require.NoError(t, err)

	var mismatches int
	var stateErrs []error
	r := scheduler.NewEventsRequest("viewer", scheduler.Hooks{})
	r.Hooks.Event = func(ev *event.Event) error {
		if s.CurrentCPU() != ev.CPU {
			mismatches++
		}
		running, ok := s.RunningProcessOf("a", ev.CPU)
		if !ok {
			mismatches++
			return nil
		}
		// the state before this event, seen through a detached view
		st, err := s.GetStateAt(r.Context(), "a", ev.Time+1)
		if err != nil {
			stateErrs = append(stateErrs, err)
			return nil
		}
		if st.RunningProcess(ev.CPU).PID != running.PID {
			mismatches++
		}
		return nil
	}
	_, err = s.RegisterEventRequest(r)
	require.NoError(t, err)
	require.NoError(t, s.Run(ctx))
	assert.Zero(t, mismatches)
	assert.Empty(t, stateErrs)
}

func TestGetStateAtCache(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTrace(t, fs, "/traces/a", genEvents(200, 0))
	writeTrace(t, fs, "/traces/live", genEvents(20, 0))
	s, _ := newSession(t, testConfig(), fs)
	ctx := context.Background()
	_, err := s.LoadTrace(ctx, "a", "/traces/a", false)
	require.NoError(t, err)
	_, err = s.LoadTrace(ctx, "live", "/traces/live", true)
	require.NoError(t, err)

	first, err := s.GetStateAt(ctx, "a", 1005)
	require.NoError(t, err)
	second, err := s.GetStateAt(ctx, "a", 1005)
	require.NoError(t, err)
	assert.Same(t, first, second)

	a, _ := s.Trace("a")
	assert.Zero(t, a.Ordinal(), "the trace cursor did not move")

	l1, err := s.GetStateAt(ctx, "live", 105)
	require.NoError(t, err)
	l2, err := s.GetStateAt(ctx, "live", 105)
	require.NoError(t, err)
	assert.NotSame(t, l1, l2)

	_, err = s.GetStateAt(ctx, "missing", 10)
	assert.ErrorIs(t, err, ErrUnknownTrace)
}

func TestGetStateAtLockTimeout(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTrace(t, fs, "/traces/a", genEvents(20, 0))
	cfg := testConfig()
	cfg.LockRetryTimeout = 20 * time.Millisecond
	s, _ := newSession(t, cfg, fs)
	ctx := context.Background()
	_, err := s.LoadTrace(ctx, "a", "/traces/a", false)
	require.NoError(t, err)

	require.True(t, s.locks.TryLock("a"))
	_, err = s.GetStateAt(ctx, "a", 50)
	assert.ErrorIs(t, err, ErrLockTimeout)

	res, err := s.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, scheduler.Done, res)
	s.locks.Unlock("a")

	_, err = s.GetStateAt(ctx, "a", 50)
	assert.NoError(t, err)
}

func TestGetStateAtOutsideStepWaitsForLock(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTrace(t, fs, "/traces/a", genEvents(60, 0))
	cfg := testConfig()
	cfg.LockRetryTimeout = 20 * time.Millisecond
	s, _ := newSession(t, cfg, fs)
	ctx := context.Background()
	_, err := s.LoadTrace(ctx, "a", "/traces/a", false)
	require.NoError(t, err)

	var fromHook, fromGoroutine []error
	r := scheduler.NewEventsRequest("viewer", scheduler.Hooks{})
	r.NumEvents = 1
	r.Hooks.Event = func(*event.Event) error {
		_, err := s.GetStateAt(r.Context(), "a", 300)
		fromHook = append(fromHook, err)

		done := make(chan error)
		go func() {
			_, err := s.GetStateAt(ctx, "a", 400)
			done <- err
		}()
		fromGoroutine = append(fromGoroutine, <-done)
		return nil
	}
	_, err = s.RegisterEventRequest(r)
	require.NoError(t, err)
	require.NoError(t, s.Run(ctx))

	require.Len(t, fromHook, 1)
	assert.NoError(t, fromHook[0])
	require.Len(t, fromGoroutine, 1)
	assert.ErrorIs(t, fromGoroutine[0], ErrLockTimeout)

	// the context of a finished step no longer skips the lock
	require.True(t, s.locks.TryLock("a"))
	_, err = s.GetStateAt(r.Context(), "a", 500)
	assert.ErrorIs(t, err, ErrLockTimeout)
	s.locks.Unlock("a")
	_, err = s.GetStateAt(r.Context(), "a", 500)
	assert.NoError(t, err)
}

func TestPrecomputeCheckpoints(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTrace(t, fs, "/traces/a", genEvents(500, 0))
	writeTrace(t, fs, "/traces/b", genEvents(250, 3))
	s, metrics := newSession(t, testConfig(), fs)
	ctx := context.Background()
	a, err := s.LoadTrace(ctx, "a", "/traces/a", false)
	require.NoError(t, err)
	b, err := s.LoadTrace(ctx, "b", "/traces/b", false)
	require.NoError(t, err)

	require.NoError(t, s.PrecomputeCheckpoints(ctx))
	s.WaitCheckpoints()
	assert.ErrorIs(t, s.PrecomputeCheckpoints(ctx), ErrLoaderRunning)
	s.StopLoader()

	assert.Equal(t, 5, a.Store().Len())
	assert.Equal(t, 2, b.Store().Len())
	assert.Equal(t, 5, metrics.CheckpointCounter.Get("a"))

	// the loader left the cursors at the end, the request seeks back
	var got []event.Time
	r := scheduler.NewEventsRequest("viewer", collect(&got))
	r.StartTime = 2505
	_, err = s.RegisterEventRequest(r)
	require.NoError(t, err)
	require.NoError(t, s.Run(ctx))
	assert.Len(t, got, 250)
	assert.Equal(t, event.Time(2510), got[0])
	assert.Positive(t, metrics.ReplayCounter.Load())
	assert.NoError(t, s.Close())
}

func TestLoaderRunsAlongsideSteps(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTrace(t, fs, "/traces/a", genEvents(2000, 0))
	ctx := context.Background()

	reference := func() []string {
		s, _ := newSession(t, testConfig(), fs)
		tr, err := s.LoadTrace(ctx, "a", "/traces/a", false)
		require.NoError(t, err)
		var out []string
		_, err = s.RegisterEventRequest(scheduler.NewEventsRequest("viewer", scheduler.Hooks{
			Event: func(ev *event.Event) error {
				out = append(out, fmt.Sprintf("%d:%d", ev.Time, tr.State().RunningProcess(ev.CPU).PID))
				return nil
			},
		}))
		require.NoError(t, err)
		require.NoError(t, s.Run(ctx))
		return out
	}()

	s, _ := newSession(t, testConfig(), fs)
	tr, err := s.LoadTrace(ctx, "a", "/traces/a", false)
	require.NoError(t, err)
	var out []string
	_, err = s.RegisterEventRequest(scheduler.NewEventsRequest("viewer", scheduler.Hooks{
		Event: func(ev *event.Event) error {
			out = append(out, fmt.Sprintf("%d:%d", ev.Time, tr.State().RunningProcess(ev.CPU).PID))
			return nil
		},
	}))
	require.NoError(t, err)
	require.NoError(t, s.PrecomputeCheckpoints(ctx))
	require.NoError(t, s.Run(ctx))
	require.NoError(t, s.Close())
	assert.Equal(t, reference, out)
}

func TestPersistedCheckpointsReload(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTrace(t, fs, "/traces/a", genEvents(400, 0))
	cfg := testConfig()
	cfg.PersistCheckpoints = true
	ctx := context.Background()

	first, _ := newSession(t, cfg, fs)
	_, err := first.LoadTrace(ctx, "a", "/traces/a", false)
	require.NoError(t, err)
	require.NoError(t, first.PrecomputeCheckpoints(ctx))
	first.WaitCheckpoints()
	require.NoError(t, first.Close())

	exists, err := afero.Exists(fs, "/checkpoints/a.ckpt")
	require.NoError(t, err)
	require.True(t, exists)

	second, metrics := newSession(t, cfg, fs)
	a, err := second.LoadTrace(ctx, "a", "/traces/a", false)
	require.NoError(t, err)
	assert.Equal(t, 4, a.Store().Len())

	st, err := second.GetStateAt(ctx, "a", 3905)
	require.NoError(t, err)
	assert.NotNil(t, st.RunningProcess(0))
	assert.Zero(t, metrics.ReplayCounter.Load(), "detached views do not report replays")
	require.NoError(t, second.Close())
}

func TestAddTraceResumesRequests(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTrace(t, fs, "/traces/a", genEvents(200, 0))
	writeTrace(t, fs, "/traces/b", genEvents(200, 5))
	s, _ := newSession(t, testConfig(), fs)
	ctx := context.Background()
	_, err := s.LoadTrace(ctx, "a", "/traces/a", false)
	require.NoError(t, err)

	var got []event.Time
	_, err = s.RegisterEventRequest(scheduler.NewEventsRequest("viewer", collect(&got)))
	require.NoError(t, err)
	res, err := s.Step(ctx)
	require.NoError(t, err)
	require.Equal(t, scheduler.WorkRemains, res)
	require.Len(t, got, 64)
	resume := got[len(got)-1] + 10

	_, err = s.LoadTrace(ctx, "b", "/traces/b", false)
	require.NoError(t, err)
	require.NoError(t, s.Run(ctx))

	fromB := 0
	for _, ts := range got[64:] {
		assert.GreaterOrEqual(t, ts, resume)
		if ts%10 == 5 {
			fromB++
		}
	}
	assert.Len(t, got, 200+fromB)
	// b's events at or after the resume time
	assert.Equal(t, 200-int(resume-5)/10, fromB)
}
