package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is the period between runs when none is configured.
const DefaultInterval = 5 * time.Minute

// Timer periodically runs reconciliation checks.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool

	mu   sync.RWMutex
	last *Report
}

// NewTimer creates a new reconciliation timer.
func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		runner:   runner,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// LastReport returns the most recent run's report, or nil before the
// first run.
func (t *Timer) LastReport() *Report {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.last
}

// Start begins the periodic reconciliation loop. Call in a goroutine.
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
			t.safeRun(ctx)
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

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()

	rep, err := t.runner.RunAll(ctx)
	if rep != nil {
		t.mu.Lock()
		t.last = rep
		t.mu.Unlock()
	}
	if err != nil {
		t.logger.Warn("reconciliation run failed", "error", err)
	}
}
