package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"withdrawal-service/internal/usecase"
)

type blockingRunner struct {
	calls   atomic.Int32
	release chan struct{}
	started chan struct{}
	err     error
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		release: make(chan struct{}),
		started: make(chan struct{}, 16),
	}
}

func (r *blockingRunner) ReconcileOnce(ctx context.Context) (*usecase.ReconcileReport, error) {
	r.calls.Add(1)
	select {
	case r.started <- struct{}{}:
	default:
	}
	select {
	case <-r.release:
	case <-ctx.Done():
	}
	return &usecase.ReconcileReport{Scanned: 1}, r.err
}

func TestRunOnceSkipsWhilePassRunning(t *testing.T) {
	runner := newBlockingRunner()
	rec := NewReconciler(runner, time.Hour, nil, zap.NewNop())

	done := make(chan error, 1)
	go func() {
		_, err := rec.RunOnce(context.Background())
		done <- err
	}()
	<-runner.started

	_, err := rec.RunOnce(context.Background())
	require.ErrorIs(t, err, ErrPassInProgress)

	close(runner.release)
	require.NoError(t, <-done)
	require.Equal(t, int32(1), runner.calls.Load())

	report, err := rec.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Scanned)
}

func TestTickerNeverOverlapsPasses(t *testing.T) {
	runner := newBlockingRunner()
	rec := NewReconciler(runner, 5*time.Millisecond, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rec.Start(ctx)

	<-runner.started
	// Many ticks elapse while the first pass is blocked.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), runner.calls.Load())

	close(runner.release)
	require.Eventually(t, func() bool { return runner.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)

	rec.Stop()
}

func TestStopWaitsForInFlightPass(t *testing.T) {
	runner := newBlockingRunner()
	runner.err = errors.New("list failed")
	rec := NewReconciler(runner, 5*time.Millisecond, nil, zap.NewNop())

	go rec.Start(context.Background())
	<-runner.started

	stopped := make(chan struct{})
	go func() {
		rec.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned before the pass finished")
	case <-time.After(30 * time.Millisecond):
	}

	close(runner.release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
	rec.Stop()
}
