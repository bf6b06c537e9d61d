// internal/worker/reconciler.go
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"withdrawal-service/internal/metrics"
	"withdrawal-service/internal/usecase"
)

// ErrPassInProgress is returned by RunOnce when a pass is already running.
var ErrPassInProgress = errors.New("reconciliation pass already running")

// PassRunner runs one reconciliation pass.
type PassRunner interface {
	ReconcileOnce(ctx context.Context) (*usecase.ReconcileReport, error)
}

// Reconciler drives periodic reconciliation passes. A tick that lands while a
// pass is still running is skipped, never queued.
type Reconciler struct {
	runner   PassRunner
	interval time.Duration
	metrics  *metrics.Settlement
	logger   *zap.Logger

	running  atomic.Bool
	passes   sync.WaitGroup
	mu       sync.Mutex
	stopped  bool
	stopChan chan bool
}

func NewReconciler(
	runner PassRunner,
	interval time.Duration,
	m *metrics.Settlement,
	logger *zap.Logger,
) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{
		runner:   runner,
		interval: interval,
		metrics:  m,
		logger:   logger,
		stopChan: make(chan bool),
	}
}

// Start blocks running passes on every tick until Stop or ctx is done.
func (r *Reconciler) Start(ctx context.Context) {
	r.logger.Info("Starting reconciler", zap.Duration("interval", r.interval))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.tick(ctx)

		case <-r.stopChan:
			r.logger.Info("Stopping reconciler")
			return

		case <-ctx.Done():
			r.logger.Info("Context cancelled, stopping reconciler")
			return
		}
	}
}

// tick runs the pass in its own goroutine so a slow pass never delays Stop.
func (r *Reconciler) tick(ctx context.Context) {
	if !r.acquire() {
		r.logger.Debug("reconciliation pass still running, tick skipped")
		return
	}
	go func() {
		defer r.passes.Done()
		defer r.running.Store(false)
		if _, err := r.runner.ReconcileOnce(ctx); err != nil {
			r.logger.Error("Reconciliation pass failed", zap.Error(err))
		}
	}()
}

// RunOnce runs a pass now on the caller's goroutine. Used by the admin trigger.
func (r *Reconciler) RunOnce(ctx context.Context) (*usecase.ReconcileReport, error) {
	if !r.acquire() {
		return nil, ErrPassInProgress
	}
	defer r.passes.Done()
	defer r.running.Store(false)
	return r.runner.ReconcileOnce(ctx)
}

// acquire takes the single pass slot. It fails once Stop has been called.
func (r *Reconciler) acquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	if !r.running.CompareAndSwap(false, true) {
		r.metrics.RecordSkippedPass()
		return false
	}
	r.passes.Add(1)
	return true
}

// Stop ends the loop and waits for the in-flight pass to return.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.stopped {
		r.stopped = true
		close(r.stopChan)
	}
	r.mu.Unlock()
	r.passes.Wait()
}
