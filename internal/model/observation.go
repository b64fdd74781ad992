package model

import (
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
)

// Limits on inbound ingestion batches.
const (
	MaxBatchSize      = 500
	MaxDescriptionLen = 2000
)

// Observation is one raw defect measurement as sent by a sensor or drone.
// PathologyType is the variant tag: it selects the rule set the rest of the
// fields are validated against.
type Observation struct {
	PathologyType   PathologyType `json:"pathology_type"`
	MetricDeviation float64       `json:"metric_deviation"`
	ElementType     ElementType   `json:"element_type"`
	SeverityLevel   *Severity     `json:"severity_level,omitempty"`
	Description     *string       `json:"description,omitempty"`
}

// FieldViolation describes one invalid field in a request.
type FieldViolation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects every violation found in a request so the caller
// can fix them all in one round trip.
type ValidationError struct {
	Violations []FieldViolation
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.Field + ": " + v.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, format string, args ...any) {
	e.Violations = append(e.Violations, FieldViolation{Field: field, Message: fmt.Sprintf(format, args...)})
}

// orNil returns e only if it holds violations.
func (e *ValidationError) orNil() error {
	if len(e.Violations) == 0 {
		return nil
	}
	return e
}

// observationRule is the validation schema for one pathology variant.
type observationRule struct {
	// elements restricts where the pathology can be observed. Empty means any.
	elements []ElementType
	// maxDeviation is the largest plausible deviation in millimeters.
	maxDeviation float64
}

func (r observationRule) allows(e ElementType) bool {
	if len(r.elements) == 0 {
		return true
	}
	for _, allowed := range r.elements {
		if allowed == e {
			return true
		}
	}
	return false
}

// ruleFor maps a pathology tag to its rule set. Every PathologyType constant
// must have a case here; TestRuleForCoversAllPathologies enforces it.
func ruleFor(p PathologyType) (observationRule, bool) {
	switch p {
	case PathologyCrack:
		return observationRule{maxDeviation: 500}, true
	case PathologyMoisture:
		return observationRule{maxDeviation: 1000}, true
	case PathologyThermal:
		return observationRule{maxDeviation: 1000}, true
	case PathologyStructural:
		return observationRule{maxDeviation: 1000}, true
	case PathologyCorrosion:
		return observationRule{elements: []ElementType{ElementBeam, ElementColumn, ElementSlab}, maxDeviation: 200}, true
	case PathologySpalling:
		return observationRule{maxDeviation: 300}, true
	case PathologyDeflection:
		return observationRule{elements: []ElementType{ElementBeam, ElementSlab}, maxDeviation: 1000}, true
	}
	return observationRule{}, false
}

// ValidateObservation checks a single observation and returns a
// *ValidationError listing every problem, or nil. Field names are prefixed
// with prefix (e.g. "findings[3]").
func ValidateObservation(prefix string, o Observation) error {
	verr := &ValidationError{}
	validateObservation(verr, prefix, o)
	return verr.orNil()
}

func validateObservation(verr *ValidationError, prefix string, o Observation) {
	field := func(name string) string {
		if prefix == "" {
			return name
		}
		return prefix + "." + name
	}

	if !o.ElementType.Valid() {
		verr.add(field("element_type"), "unknown element type %q", o.ElementType)
	}
	if o.SeverityLevel != nil && !o.SeverityLevel.Valid() {
		verr.add(field("severity_level"), "unknown severity level %q", *o.SeverityLevel)
	}
	if o.Description != nil {
		verr.checkText(field("description"), *o.Description, MaxDescriptionLen)
	}

	deviationOK := true
	if math.IsNaN(o.MetricDeviation) || math.IsInf(o.MetricDeviation, 0) || o.MetricDeviation <= 0 {
		verr.add(field("metric_deviation"), "must be a positive number of millimeters")
		deviationOK = false
	}

	rule, ok := ruleFor(o.PathologyType)
	if !ok {
		verr.add(field("pathology_type"), "unknown pathology type %q", o.PathologyType)
		return
	}
	if deviationOK && o.MetricDeviation > rule.maxDeviation {
		verr.add(field("metric_deviation"), "%s deviation must be at most %g mm", o.PathologyType, rule.maxDeviation)
	}
	if o.ElementType.Valid() && !rule.allows(o.ElementType) {
		verr.add(field("element_type"), "%s is not observable on %s", o.PathologyType, o.ElementType)
	}
}

// IngestRequest is the request body for POST /v1/ingest.
type IngestRequest struct {
	InspectionID uuid.UUID     `json:"inspection_id"`
	OrgID        uuid.UUID     `json:"organization_id"`
	Findings     []Observation `json:"findings"`
}

// Validate checks the batch shape and every observation. The whole batch is
// rejected if anything is wrong.
func (r IngestRequest) Validate() error {
	verr := &ValidationError{}
	if r.InspectionID == uuid.Nil {
		verr.add("inspection_id", "is required")
	}
	if r.OrgID == uuid.Nil {
		verr.add("organization_id", "is required")
	}
	switch {
	case len(r.Findings) == 0:
		verr.add("findings", "must contain at least one observation")
	case len(r.Findings) > MaxBatchSize:
		verr.add("findings", "must contain at most %d observations", MaxBatchSize)
	}
	for i, o := range r.Findings {
		validateObservation(verr, fmt.Sprintf("findings[%d]", i), o)
	}
	return verr.orNil()
}
