package model

import (
	"time"

	"github.com/google/uuid"
)

// Severity is the ordinal classification of a finding.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity level.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// PathologyType is the kind of defect observed. It is also the tag that
// selects an observation's validation rules.
type PathologyType string

const (
	PathologyCrack      PathologyType = "crack"
	PathologyMoisture   PathologyType = "moisture"
	PathologyThermal    PathologyType = "thermal"
	PathologyStructural PathologyType = "structural"
	PathologyCorrosion  PathologyType = "corrosion"
	PathologySpalling   PathologyType = "spalling"
	PathologyDeflection PathologyType = "deflection"
)

// PathologyTypes lists every known pathology, in display order.
var PathologyTypes = []PathologyType{
	PathologyCrack,
	PathologyMoisture,
	PathologyThermal,
	PathologyStructural,
	PathologyCorrosion,
	PathologySpalling,
	PathologyDeflection,
}

// ElementType is the building element the defect was observed on.
type ElementType string

const (
	ElementBeam   ElementType = "beam"
	ElementColumn ElementType = "column"
	ElementFacade ElementType = "facade"
	ElementSlab   ElementType = "slab"
)

// Valid reports whether e is a known element type.
func (e ElementType) Valid() bool {
	switch e {
	case ElementBeam, ElementColumn, ElementFacade, ElementSlab:
		return true
	}
	return false
}

// Finding is one classified defect, created once at ingestion and never
// updated. OrgID always equals the owning inspection's OrgID.
type Finding struct {
	ID                 uuid.UUID     `json:"id"`
	InspectionID       uuid.UUID     `json:"inspection_id"`
	OrgID              uuid.UUID     `json:"organization_id"`
	PathologyType      PathologyType `json:"pathology_type"`
	ElementType        ElementType   `json:"element_type"`
	MetricDeviation    float64       `json:"metric_deviation"`
	Severity           Severity      `json:"severity_level"`
	NormativeReference *string       `json:"normative_reference"`
	Remediation        string        `json:"remediation"`
	Description        *string       `json:"description,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
}
