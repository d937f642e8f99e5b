// Package session owns a traceset together with everything that works on
// it: the request scheduler, the per-trace locks, the state cache and the
// background checkpoint loader.
//
// Step, Run and the request methods run on the goroutine driving the
// session. GetStateAt and SaveCheckpoints may be called from any goroutine;
// they wait for the trace lock. Hooks called from Step pass
// EventsRequest.Context to them instead, since the step already holds every
// trace lock. That context must not leave the goroutine running the step.
package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/goradd/maps"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/kubescape/tracestate/pkg/checkpoint"
	"github.com/kubescape/tracestate/pkg/config"
	"github.com/kubescape/tracestate/pkg/event"
	"github.com/kubescape/tracestate/pkg/metricsmanager"
	"github.com/kubescape/tracestate/pkg/resourcelocks"
	"github.com/kubescape/tracestate/pkg/scheduler"
	"github.com/kubescape/tracestate/pkg/tracestate"
	"github.com/kubescape/tracestate/pkg/traceset"
	"github.com/panjf2000/ants/v2"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
)

const checkpointFileExt = ".ckpt"

var (
	ErrUnknownTrace  = errors.New("unknown trace")
	ErrLockTimeout   = errors.New("timed out waiting for the trace lock")
	ErrLoaderRunning = errors.New("checkpoint loader already running")
	errLocked        = errors.New("trace locked")
)

type stateKey struct {
	trace string
	time  event.Time
}

// stepToken marks the contexts handed to the hooks of one step.
type stepToken struct {
	seq uint64
}

type stepKey struct{}

type Session struct {
	id        uuid.UUID
	cfg       config.Config
	fs        afero.Fs
	metrics   metricsmanager.MetricsManager
	ts        *traceset.Traceset
	locks     *resourcelocks.ResourceLocks
	scheduler *scheduler.Scheduler
	traces    maps.SafeMap[string, *traceset.Trace]
	states    *lru.Cache[stateKey, *tracestate.TraceState]
	loader    *ants.Pool
	loading   sync.WaitGroup
	step      atomic.Pointer[stepToken]
	steps     atomic.Uint64

	mu           sync.Mutex
	cancelLoader context.CancelFunc
}

func New(cfg config.Config, fs afero.Fs, metrics metricsmanager.MetricsManager) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if metrics == nil {
		metrics = metricsmanager.NewMetricsMock()
	}
	states, err := lru.New[stateKey, *tracestate.TraceState](cfg.StateCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create state cache: %w", err)
	}
	pool, err := ants.NewPool(cfg.LoaderWorkers)
	if err != nil {
		return nil, fmt.Errorf("create loader pool: %w", err)
	}
	ts := traceset.New(metrics)
	locks := resourcelocks.New()
	return &Session{
		id:      uuid.New(),
		cfg:     cfg,
		fs:      fs,
		metrics: metrics,
		ts:      ts,
		locks:   locks,
		scheduler: scheduler.New(ts, locks, scheduler.Config{
			ChunkNumEvents:      cfg.ChunkNumEvents,
			CheckpointOnSuspend: cfg.CheckpointOnSuspend,
		}, metrics),
		states: states,
		loader: pool,
	}, nil
}

func (s *Session) ID() uuid.UUID { return s.id }

// TraceOptions returns the trace options matching the session configuration.
func (s *Session) TraceOptions(live bool) traceset.Options {
	return traceset.Options{
		SaveInterval: uint64(s.cfg.CheckpointSaveInterval),
		Live:         live,
		Metrics:      s.metrics,
	}
}

// LoadTrace reads the JSONL streams of dir and adds them as one trace.
func (s *Session) LoadTrace(ctx context.Context, name, dir string, live bool) (*traceset.Trace, error) {
	files, err := event.LoadTraceDir(s.fs, dir)
	if err != nil {
		return nil, err
	}
	t := traceset.FromFiles(name, files, s.TraceOptions(live))
	if err := s.AddTrace(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// AddTrace appends t to the traceset. Every trace goes back to its start and
// the requests in flight resume from where they stopped. With
// persistCheckpoints set, the checkpoints saved by an earlier session are
// loaded first.
func (s *Session) AddTrace(ctx context.Context, t *traceset.Trace) error {
	if s.traces.Has(t.Name()) {
		return fmt.Errorf("%s: %w", t.Name(), traceset.ErrDuplicateTrace)
	}
	names := s.traceNames()
	if err := s.lockAll(ctx, names); err != nil {
		return err
	}
	defer s.unlockAll(names)

	if s.cfg.PersistCheckpoints {
		s.loadCheckpoints(t)
	}
	s.scheduler.Restructure()
	if err := s.ts.Add(t); err != nil {
		return err
	}
	s.traces.Set(t.Name(), t)
	logger.L().Info("Session - trace added",
		helpers.String("trace", t.Name()),
		helpers.Int("streams", len(t.Streams())),
		helpers.Int("cpus", t.State().NumCPUs()),
		helpers.Int("checkpoints", t.Store().Len()))
	return nil
}

// loadCheckpoints installs the persisted checkpoints of t. A damaged file
// only costs the checkpoints it could not deliver.
func (s *Session) loadCheckpoints(t *traceset.Trace) {
	path := s.checkpointPath(t.Name())
	if ok, _ := afero.Exists(s.fs, path); !ok {
		return
	}
	f, err := checkpoint.ReadFile(s.fs, path)
	if err != nil {
		logger.L().Warning("Session - checkpoint file damaged, keeping its complete checkpoints",
			helpers.String("trace", t.Name()),
			helpers.String("path", path),
			helpers.Error(err))
	}
	if f == nil {
		return
	}
	added, err := t.LoadFile(f)
	if err != nil {
		logger.L().Warning("Session - checkpoint file does not match the trace",
			helpers.String("trace", t.Name()),
			helpers.String("path", path),
			helpers.Error(err))
	}
	logger.L().Debug("Session - checkpoints loaded",
		helpers.String("trace", t.Name()),
		helpers.Int("checkpoints", added))
}

func (s *Session) Trace(name string) (*traceset.Trace, bool) {
	return s.traces.Load(name)
}

func (s *Session) Traces() []*traceset.Trace {
	return s.ts.Traces()
}

func (s *Session) traceNames() []string {
	names := make([]string, 0, s.ts.Len())
	for _, t := range s.ts.Traces() {
		names = append(names, t.Name())
	}
	return names
}

// RegisterEventRequest queues r. It starts on a later Step.
func (s *Session) RegisterEventRequest(r *scheduler.EventsRequest) (uuid.UUID, error) {
	return s.scheduler.Register(r)
}

// CancelEventRequest removes every request of owner.
func (s *Session) CancelEventRequest(owner string) int {
	return s.scheduler.Cancel(owner)
}

func (s *Session) Scheduler() *scheduler.Scheduler {
	return s.scheduler
}

// Step serves one chunk of events to the registered requests.
func (s *Session) Step(ctx context.Context) (scheduler.Result, error) {
	tok := &stepToken{seq: s.steps.Add(1)}
	s.step.Store(tok)
	defer s.step.Store(nil)
	return s.scheduler.Step(context.WithValue(ctx, stepKey{}, tok))
}

// inStep reports whether ctx was handed out by the step running now.
func (s *Session) inStep(ctx context.Context) bool {
	tok, ok := ctx.Value(stepKey{}).(*stepToken)
	return ok && tok == s.step.Load()
}

func (s *Session) stepBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = s.cfg.StepRetryMaxInterval
	// never stop, the context ends the run
	b.MaxElapsedTime = 0
	return b
}

// Run steps until every request is done or ctx ends. It backs off while the
// traces are locked by the loader and while live traces have nothing new.
// A failing step does not stop the run; the errors are returned at the end.
func (s *Session) Run(ctx context.Context) error {
	b := s.stepBackOff()
	var errs error
	for {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		res, err := s.Step(ctx)
		errs = multierr.Append(errs, err)
		if res == scheduler.Done {
			return errs
		}
		if res == scheduler.WorkRemains && s.scheduler.LastStepEvents() > 0 {
			b.Reset()
			continue
		}
		select {
		case <-ctx.Done():
			return multierr.Append(errs, ctx.Err())
		case <-time.After(b.NextBackOff()):
		}
	}
}

// GetStateAt returns the state of a trace right before time at. The state
// comes from a detached view and must not be modified; states of traces
// that no longer grow are cached.
func (s *Session) GetStateAt(ctx context.Context, name string, at event.Time) (*tracestate.TraceState, error) {
	t, ok := s.traces.Load(name)
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownTrace)
	}
	key := stateKey{trace: name, time: at}
	cacheable := !t.Live()
	if cacheable {
		if st, ok := s.states.Get(key); ok {
			return st, nil
		}
	}
	var st *tracestate.TraceState
	err := s.locked(ctx, name, func() error {
		var err error
		st, err = t.StateAt(at)
		return err
	})
	if err != nil {
		return nil, err
	}
	if cacheable {
		s.states.Add(key, st)
	}
	return st, nil
}

// CurrentCPU returns the CPU of the sub-stream of the event being delivered.
func (s *Session) CurrentCPU() uint32 {
	return s.scheduler.CurrentCPU()
}

// CurrentTrace returns the trace of the event being delivered.
func (s *Session) CurrentTrace() (*traceset.Trace, bool) {
	return s.scheduler.CurrentTrace()
}

// RunningProcessOf returns the process running on cpu at the cursor of a
// trace. Only hooks of a step may call it.
func (s *Session) RunningProcessOf(name string, cpu uint32) (*tracestate.Process, bool) {
	t, ok := s.traces.Load(name)
	if !ok {
		return nil, false
	}
	p := t.State().RunningProcess(cpu)
	return p, p != nil
}

// locked runs fn holding the lock of a trace. Hooks of the running step
// already hold every trace lock and run fn directly. Otherwise the lock is
// retried until lockRetryTimeout.
func (s *Session) locked(ctx context.Context, name string, fn func() error) error {
	if s.inStep(ctx) {
		return fn()
	}
	if err := s.lock(ctx, name); err != nil {
		return err
	}
	defer s.locks.Unlock(name)
	return fn()
}

func (s *Session) lock(ctx context.Context, name string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxElapsedTime = s.cfg.LockRetryTimeout
	err := backoff.Retry(func() error {
		if !s.locks.TryLock(name) {
			return errLocked
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if errors.Is(err, errLocked) {
		return fmt.Errorf("trace %s: %w", name, ErrLockTimeout)
	}
	return err
}

func (s *Session) lockAll(ctx context.Context, names []string) error {
	for i, name := range names {
		if err := s.lock(ctx, name); err != nil {
			s.unlockAll(names[:i])
			return err
		}
	}
	return nil
}

func (s *Session) unlockAll(names []string) {
	s.locks.UnlockAll(names)
}

func (s *Session) checkpointPath(trace string) string {
	name := strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(trace)
	return filepath.Join(s.cfg.CheckpointDir, name+checkpointFileExt)
}

// SaveCheckpoints writes the checkpoints of a trace to the checkpoint
// directory.
func (s *Session) SaveCheckpoints(ctx context.Context, name string) error {
	t, ok := s.traces.Load(name)
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownTrace)
	}
	return s.locked(ctx, name, func() error {
		return s.persist(t)
	})
}

func (s *Session) persist(t *traceset.Trace) error {
	if err := s.fs.MkdirAll(s.cfg.CheckpointDir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint directory: %w", err)
	}
	path := s.checkpointPath(t.Name())
	if err := checkpoint.WriteFile(s.fs, path, t.File(s.id)); err != nil {
		return err
	}
	logger.L().Info("Session - checkpoints saved",
		helpers.String("trace", t.Name()),
		helpers.String("path", path),
		helpers.Int("checkpoints", t.Store().Len()),
		helpers.String("footprint", humanize.Bytes(uint64(t.Store().Footprint()))))
	return nil
}

// Close stops the loader and, with persistCheckpoints set, saves the
// checkpoints of every trace.
func (s *Session) Close() error {
	s.StopLoader()
	var err error
	if s.cfg.PersistCheckpoints {
		for _, t := range s.ts.Traces() {
			err = multierr.Append(err, s.locks.WithLockAndError(t.Name(), func() error {
				return s.persist(t)
			}))
		}
	}
	s.loader.Release()
	s.metrics.Destroy()
	return err
}
