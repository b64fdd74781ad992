// Package scoring holds the canonical health-score rules shared by the server's
// accumulator and the dashboard client's optimistic projection.
//
// Both sides import this package so that a locally projected score can only
// diverge from the authoritative one through event ordering, never through a
// second copy of the constants.
package scoring

import "math"

// Score bounds for an inspection's health score.
const (
	MaxScore = 100
	MinScore = 0
)

// CriticalDeviationMM is the deviation (millimeters) above which a finding on a
// load-bearing element is always critical.
const CriticalDeviationMM = 5.0

// ThermalPenalty is the flat energy-loss penalty added once per thermal finding.
const ThermalPenalty = 3

// Structural weights by element class.
const (
	LoadBearingWeight = 1.5
	DefaultWeight     = 1.0
)

// penalties maps a severity level to its base penalty before weighting.
var penalties = map[string]int{
	"low":      5,
	"medium":   15,
	"high":     25,
	"critical": 40,
}

// BasePenalty returns the unweighted penalty for a severity level.
// Unknown severities carry no penalty.
func BasePenalty(severity string) int {
	return penalties[severity]
}

// IsLoadBearing reports whether an element type is a beam or column.
func IsLoadBearing(element string) bool {
	return element == "beam" || element == "column"
}

// StructuralWeight returns the penalty multiplier for an element type.
func StructuralWeight(element string) float64 {
	if IsLoadBearing(element) {
		return LoadBearingWeight
	}
	return DefaultWeight
}

// Penalty returns the integer score delta for a single finding.
//
// The weighted base penalty is rounded half away from zero per finding
// (medium on a beam is 22.5 -> 23) so that summing per-finding penalties gives
// the same result regardless of how findings are grouped into batches.
func Penalty(severity string, weight float64, pathology string) int {
	p := int(math.Round(float64(BasePenalty(severity)) * weight))
	if pathology == "thermal" {
		p += ThermalPenalty
	}
	return p
}

// FindingPenalty derives the weight from the element type and returns Penalty.
func FindingPenalty(severity, element, pathology string) int {
	return Penalty(severity, StructuralWeight(element), pathology)
}

// Clamp bounds a score to [MinScore, MaxScore].
func Clamp(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// Apply subtracts delta from score and clamps the result.
func Apply(score, delta int) int {
	return Clamp(score - delta)
}
