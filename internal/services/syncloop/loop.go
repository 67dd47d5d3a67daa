// Package syncloop drives one sync engine: a re-armed timer, a manual trigger,
// and a running guard that keeps cycles of the same engine from overlapping.
package syncloop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/PartSync/internal/metrics"
	"go.uber.org/zap"
)

// Cycle is one pass of an engine. force=true is a manual "refresh now".
type Cycle func(ctx context.Context, force bool) error

// IntervalFunc is consulted before every re-arm, so cadence changes apply on the next tick.
type IntervalFunc func() time.Duration

type Loop struct {
	name     string
	cycle    Cycle
	interval IntervalFunc
	logger   *zap.Logger

	running   atomic.Bool
	triggerCh chan struct{}

	// gate orders inFlight.Add against Shutdown's Wait.
	gate     sync.Mutex
	closed   bool
	inFlight sync.WaitGroup

	mu      sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	lastDurationNanos   atomic.Int64
	totalCycles         atomic.Int64
	totalSkipped        atomic.Int64
	totalErrors         atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(name string, cycle Cycle, interval IntervalFunc, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		name:              name,
		cycle:             cycle,
		interval:          interval,
		logger:            logger.With(zap.String("loop", name)),
		triggerCh:         make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

// RunOnce executes a cycle unless one is already in flight or the loop is shut down;
// ran=false means the call was a no-op. The cycle gets a context detached from ctx
// cancellation: provider calls in flight are never aborted by the caller going away.
func (l *Loop) RunOnce(ctx context.Context, force bool) (ran bool, err error) {
	if !l.enter() {
		l.logger.Debug("loop is shut down, cycle not started", zap.Bool("forced", force))
		return false, nil
	}
	defer l.inFlight.Done()

	if !l.running.CompareAndSwap(false, true) {
		l.totalSkipped.Add(1)
		metrics.RecordSkipped(l.name)
		l.logger.Debug("cycle already running, tick skipped", zap.Bool("forced", force))
		return false, nil
	}
	defer l.running.Store(false)

	start := time.Now().UTC()
	l.lastCycleUnixNano.Store(start.UnixNano())

	err = l.cycle(context.WithoutCancel(ctx), force)

	d := time.Since(start)
	l.lastDurationNanos.Store(int64(d))
	l.totalCycles.Add(1)
	metrics.RecordCycle(l.name, force, d)
	if err != nil {
		l.totalErrors.Add(1)
		l.setLastError(err.Error())
		l.logger.Error("cycle failed", zap.Bool("forced", force), zap.Error(err))
		return true, err
	}
	l.logger.Debug("cycle done", zap.Bool("forced", force), zap.Duration("took", d))
	return true, nil
}

// Run blocks until ctx is done. Cancelling ctx only stops the timer.
func (l *Loop) Run(ctx context.Context) error {
	t := time.NewTimer(l.nextInterval())
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			_, _ = l.RunOnce(ctx, false)
			t.Reset(l.nextInterval())
		case <-l.triggerCh:
			_, _ = l.RunOnce(ctx, true)
		}
	}
}

func (l *Loop) isClosed() bool {
	l.gate.Lock()
	defer l.gate.Unlock()
	return l.closed
}

func (l *Loop) enter() bool {
	l.gate.Lock()
	defer l.gate.Unlock()
	if l.closed {
		return false
	}
	l.inFlight.Add(1)
	return true
}

// Start runs the timer loop in the background, replacing any running timer.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.isClosed() {
		return
	}
	l.startLocked(ctx)
}

func (l *Loop) startLocked(ctx context.Context) {
	if l.cancel != nil {
		l.cancel()
	}
	l.baseCtx = ctx
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	go func() { _ = l.Run(runCtx) }()
	l.logger.Info("sync scheduled", zap.Duration("every", l.nextInterval()))
}

// Stop clears the timer only; an in-flight cycle finishes on its own.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
}

// Restart re-arms a started timer with the current interval, e.g. after the
// cadence setting changed. A stopped loop stays stopped.
func (l *Loop) Restart() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel == nil {
		return
	}
	l.startLocked(l.baseCtx)
}

// Shutdown stops the timer, refuses new cycles and waits for an in-flight one, bounded by ctx.
func (l *Loop) Shutdown(ctx context.Context) error {
	l.gate.Lock()
	l.closed = true
	l.gate.Unlock()
	l.Stop()
	done := make(chan struct{})
	go func() {
		l.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Trigger asks the running loop for a forced cycle (best-effort, non-blocking).
func (l *Loop) Trigger() {
	l.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case l.triggerCh <- struct{}{}:
	default:
	}
}

func (l *Loop) Running() bool { return l.running.Load() }

func (l *Loop) nextInterval() time.Duration {
	d := time.Minute
	if l.interval != nil {
		d = l.interval()
	}
	if d <= 0 {
		d = time.Minute
	}
	return d
}

func (l *Loop) setLastError(msg string) {
	l.lastErrorMu.Lock()
	l.lastError = msg
	l.lastErrorMu.Unlock()
}

type Stats struct {
	Name          string        `json:"name"`
	StartedAt     time.Time     `json:"startedAt"`
	Running       bool          `json:"running"`
	Interval      string        `json:"interval"`
	LastCycleAt   *time.Time    `json:"lastCycleAt,omitempty"`
	LastTriggerAt *time.Time    `json:"lastTriggerAt,omitempty"`
	LastDuration  time.Duration `json:"lastDurationNanos"`
	TotalCycles   int64         `json:"totalCycles"`
	TotalSkipped  int64         `json:"totalSkipped"`
	TotalErrors   int64         `json:"totalErrors"`
	LastError     string        `json:"lastError,omitempty"`
}

func (l *Loop) Stats() Stats {
	st := Stats{
		Name:         l.name,
		StartedAt:    time.Unix(0, l.startedAtUnixNano).UTC(),
		Running:      l.running.Load(),
		Interval:     l.nextInterval().String(),
		LastDuration: time.Duration(l.lastDurationNanos.Load()),
		TotalCycles:  l.totalCycles.Load(),
		TotalSkipped: l.totalSkipped.Load(),
		TotalErrors:  l.totalErrors.Load(),
	}
	if n := l.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := l.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	l.lastErrorMu.Lock()
	st.LastError = l.lastError
	l.lastErrorMu.Unlock()
	return st
}
