// Package alert dispatches out-of-band notifications for critical findings.
//
// Dispatch is best-effort. Async runs every send on a detached goroutine with
// its own deadline; failures are logged and counted, never returned to the
// ingestion path.
package alert

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/keystone/internal/model"
)

// Alert describes the critical findings produced by one ingestion batch.
type Alert struct {
	InspectionID uuid.UUID       `json:"inspection_id"`
	OrgID        uuid.UUID       `json:"organization_id"`
	HealthScore  int             `json:"health_score"`
	Findings     []model.Finding `json:"findings"`
	RaisedAt     time.Time       `json:"raised_at"`
}

// Dispatcher delivers one alert to an external channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, a Alert) error
}

// Noop discards alerts. Used when no alert transport is configured.
type Noop struct{}

// Dispatch implements Dispatcher.
func (Noop) Dispatch(context.Context, Alert) error { return nil }

// Multi sends to every dispatcher and returns the first error. All
// dispatchers are attempted even when an earlier one fails.
type Multi []Dispatcher

// Dispatch implements Dispatcher.
func (m Multi) Dispatch(ctx context.Context, a Alert) error {
	var first error
	for _, d := range m {
		if err := d.Dispatch(ctx, a); err != nil && first == nil {
			first = err
		}
	}
	return first
}
