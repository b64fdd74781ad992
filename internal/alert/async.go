package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/keystone/internal/telemetry"
)

// DefaultTimeout bounds one detached dispatch.
const DefaultTimeout = 10 * time.Second

// failure is one dispatch error, kept with the alert it belonged to.
type failure struct {
	alert Alert
	err   error
}

// Async fires alerts without blocking the caller. Errors travel on an
// internal channel consumed by a single logging loop.
type Async struct {
	next    Dispatcher
	timeout time.Duration
	logger  *slog.Logger

	errs     chan failure
	inflight sync.WaitGroup
	loopDone chan struct{}
	closeMu  sync.RWMutex
	closed   bool

	failed metric.Int64Counter
}

// NewAsync starts the error loop and returns a dispatcher wrapping next.
// Call Close to drain in-flight alerts and stop the loop.
func NewAsync(next Dispatcher, timeout time.Duration, logger *slog.Logger) *Async {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	failed, _ := telemetry.Meter("keystone/alert").Int64Counter("keystone.alerts.failed",
		metric.WithDescription("Critical alerts that could not be delivered"))
	a := &Async{
		next:     next,
		timeout:  timeout,
		logger:   logger,
		errs:     make(chan failure, 64),
		loopDone: make(chan struct{}),
		failed:   failed,
	}
	go a.logLoop()
	return a
}

// Fire dispatches al on a detached goroutine and returns immediately. The
// send outlives the caller's context but not the configured timeout.
func (a *Async) Fire(ctx context.Context, al Alert) {
	a.closeMu.RLock()
	defer a.closeMu.RUnlock()
	if a.closed {
		a.logger.Warn("alert: dispatcher closed, alert dropped", "inspection_id", al.InspectionID)
		return
	}

	a.inflight.Add(1)
	go func() {
		defer a.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				a.errs <- failure{alert: al, err: fmt.Errorf("alert: dispatcher panic: %v", r)}
			}
		}()

		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()
		if err := a.next.Dispatch(sendCtx, al); err != nil {
			a.errs <- failure{alert: al, err: err}
		}
	}()
}

func (a *Async) logLoop() {
	defer close(a.loopDone)
	for f := range a.errs {
		a.logger.Error("alert: dispatch failed",
			"inspection_id", f.alert.InspectionID,
			"org_id", f.alert.OrgID,
			"findings", len(f.alert.Findings),
			"error", f.err)
		if a.failed != nil {
			a.failed.Add(context.Background(), 1)
		}
	}
}

// Close waits for in-flight alerts (bounded by ctx) and stops the error loop.
// Alerts fired after Close are dropped.
func (a *Async) Close(ctx context.Context) error {
	a.closeMu.Lock()
	if a.closed {
		a.closeMu.Unlock()
		return nil
	}
	a.closed = true
	a.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		a.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("alert: drain: %w", ctx.Err())
	}

	close(a.errs)
	<-a.loopDone
	return nil
}
