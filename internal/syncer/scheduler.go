// Package syncer drives periodic offline-queue drains and reports sync state.
package syncer

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TickFunc is invoked on every tick. Its error is logged, never propagated.
type TickFunc func(ctx context.Context) error

// Handle owns one running timer. Stop is its only disposal path.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Stop cancels the timer and the context of an in-flight tick. It is idempotent
// and does not wait; use Done to wait for the loop to exit.
func (h *Handle) Stop() {
	if h != nil {
		h.cancel()
	}
}

// Done is closed once the loop has exited and no tick is running.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Scheduler runs at most one timer at a time.
type Scheduler struct {
	log *zap.Logger

	// startMu serializes Start; mu only guards cur, so a tick may call Stop.
	startMu sync.Mutex
	mu      sync.Mutex
	cur     *Handle
}

// NewScheduler constructs a Scheduler. A nil logger disables logging.
func NewScheduler(log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{log: log}
}

// Start stops any previous timer, waits for its in-flight tick to settle, and
// starts a new one firing every interval. onTick may call Stop but not Start.
func (s *Scheduler) Start(interval time.Duration, onTick TickFunc) *Handle {
	if interval <= 0 {
		interval = time.Minute
	}
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	prev := s.cur
	s.cur = nil
	s.mu.Unlock()
	if prev != nil {
		prev.Stop()
		<-prev.done
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.cur = h
	s.mu.Unlock()
	go s.loop(ctx, h, interval, onTick)
	s.log.Info("sync scheduler started", zap.Duration("interval", interval))
	return h
}

// Stop stops the active timer, if any. Safe to call when nothing is running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	h := s.cur
	s.cur = nil
	s.mu.Unlock()
	if h != nil {
		h.Stop()
		s.log.Info("sync scheduler stopped")
	}
}

// Running reports whether a timer is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return false
	}
	select {
	case <-s.cur.done:
		return false
	default:
		return true
	}
}

func (s *Scheduler) loop(ctx context.Context, h *Handle, interval time.Duration, onTick TickFunc) {
	defer close(h.done)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if ctx.Err() != nil {
				return
			}
			s.tick(ctx, onTick)
		}
	}
}

// tick runs onTick, containing both errors and panics.
func (s *Scheduler) tick(ctx context.Context, onTick TickFunc) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("sync tick panic",
				zap.Any("reason", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	start := time.Now()
	if err := onTick(ctx); err != nil {
		s.log.Warn("sync tick failed", zap.Duration("dur", time.Since(start)), zap.Error(err))
		return
	}
	s.log.Debug("sync tick", zap.Duration("dur", time.Since(start)))
}

// errPanic wraps a recovered panic value; used by RunOnce.
type errPanic struct{ v any }

func (e errPanic) Error() string { return fmt.Sprintf("tick panicked: %v", e.v) }

// RunOnce runs onTick immediately with the same containment as a scheduled tick
// and returns what happened instead of only logging it.
func RunOnce(ctx context.Context, onTick TickFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errPanic{v: r}
		}
	}()
	return onTick(ctx)
}
