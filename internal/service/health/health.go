// Package health maintains inspection health scores.
//
// The score is never read, modified and written back from application memory.
// Every change is expressed as a delta that the store applies in one atomic
// statement, so concurrent writers on any number of replicas cannot lose an
// update.
package health

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/keystone/internal/model"
	"github.com/ashita-ai/keystone/scoring"
)

// Store persists a batch of findings and applies the atomic, clamped
// decrement in the same transaction, returning the new score.
type Store interface {
	PersistIngestion(ctx context.Context, orgID, inspectionID uuid.UUID, findings []model.Finding, delta int) (int, error)
}

// Entry is a classified finding with the structural weight the classifier
// assigned it. The weight is not stored; it only prices the finding.
type Entry struct {
	Finding model.Finding
	Weight  float64
}

// Penalty is the score deduction for e.
func (e Entry) Penalty() int {
	return scoring.Penalty(string(e.Finding.Severity), e.Weight, string(e.Finding.PathologyType))
}

// Fold sums the penalties of a batch into the single delta applied with it.
// Penalties are non-negative, so clamping once after the sum gives the same
// score as clamping after each finding.
func Fold(entries []Entry) int {
	delta := 0
	for _, e := range entries {
		delta += e.Penalty()
	}
	return delta
}

// Findings returns the records of entries, in order.
func Findings(entries []Entry) []model.Finding {
	out := make([]model.Finding, len(entries))
	for i, e := range entries {
		out[i] = e.Finding
	}
	return out
}

// Accumulator applies penalties to inspection scores.
type Accumulator struct {
	store Store
}

// NewAccumulator creates an accumulator backed by store.
func NewAccumulator(store Store) *Accumulator {
	return &Accumulator{store: store}
}

// ApplyBatch persists entries and subtracts their folded penalty from the
// inspection's score in one store operation. Either both land or neither
// does. It returns the new score.
func (a *Accumulator) ApplyBatch(ctx context.Context, orgID, inspectionID uuid.UUID, entries []Entry) (int, error) {
	score, err := a.store.PersistIngestion(ctx, orgID, inspectionID, Findings(entries), Fold(entries))
	if err != nil {
		return 0, fmt.Errorf("health: apply batch: %w", err)
	}
	return score, nil
}
