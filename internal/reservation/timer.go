package reservation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// sweepBatch caps how many expired holds one sweep pass releases.
const sweepBatch = 100

// Timer periodically sweeps expired holds and refunds them, so a crashed
// worker cannot leak reserved funds forever.
type Timer struct {
	manager  *Manager
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new hold sweep timer.
func NewTimer(manager *Manager, logger *slog.Logger) *Timer {
	return &Timer{
		manager:  manager,
		interval: 30 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in hold sweep", "panic", fmt.Sprint(r))
		}
	}()

	released, err := t.manager.ReleaseExpired(ctx, sweepBatch)
	if err != nil {
		t.logger.Warn("hold sweep failed", "error", err)
		return
	}
	if released > 0 {
		t.logger.Info("hold sweep released expired holds", "count", released)
	}
}
