package session

import (
	"context"
	"errors"

	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/kubescape/tracestate/pkg/traceset"
	"github.com/oleiade/lane/v2"
)

// PrecomputeCheckpoints starts walking every healthy trace in the background
// to fill its checkpoint store. Traces are served round-robin, one chunk of
// loaderChunkNumEvents at a time under the trace lock. A step that finds a
// trace cursor moved by the loader seeks it back.
func (s *Session) PrecomputeCheckpoints(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelLoader != nil {
		return ErrLoaderRunning
	}

	queue := lane.NewQueue[*traceset.Trace]()
	for _, t := range s.ts.Traces() {
		if t.Healthy() {
			queue.Enqueue(t)
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancelLoader = cancel

	for range s.cfg.LoaderWorkers {
		s.loading.Add(1)
		if err := s.loader.Submit(func() {
			defer s.loading.Done()
			s.loadQueue(ctx, queue)
		}); err != nil {
			s.loading.Done()
			logger.L().Warning("Session - loader worker not started", helpers.Error(err))
		}
	}
	logger.L().Info("Session - checkpoint loader started",
		helpers.Int("traces", s.ts.Len()),
		helpers.Int("workers", s.cfg.LoaderWorkers))
	return nil
}

// WaitCheckpoints blocks until the loader finished every trace or was
// stopped.
func (s *Session) WaitCheckpoints() {
	s.loading.Wait()
}

// StopLoader cancels the loader and waits for its workers.
func (s *Session) StopLoader() {
	s.mu.Lock()
	cancel := s.cancelLoader
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.loading.Wait()
	s.mu.Lock()
	s.cancelLoader = nil
	s.mu.Unlock()
}

func (s *Session) loadQueue(ctx context.Context, queue *lane.Queue[*traceset.Trace]) {
	for ctx.Err() == nil {
		t, ok := queue.Dequeue()
		if !ok {
			return
		}
		done, err := s.precomputeChunk(ctx, t)
		switch {
		case errors.Is(err, ErrLockTimeout):
			queue.Enqueue(t)
		case err != nil:
			if ctx.Err() == nil {
				logger.L().Warning("Session - checkpoint loader dropped a trace",
					helpers.String("trace", t.Name()),
					helpers.Error(err))
			}
		case !done:
			queue.Enqueue(t)
		default:
			logger.L().Debug("Session - trace checkpoints complete",
				helpers.String("trace", t.Name()),
				helpers.Int("checkpoints", t.Store().Len()))
		}
	}
}

func (s *Session) precomputeChunk(ctx context.Context, t *traceset.Trace) (bool, error) {
	if err := s.lock(ctx, t.Name()); err != nil {
		return false, err
	}
	defer s.locks.Unlock(t.Name())
	_, done, err := t.Precompute(s.cfg.LoaderChunkNumEvents)
	return done, err
}
