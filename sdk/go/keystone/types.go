package keystone

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Severity levels.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Observation is one raw defect reading in an ingestion batch.
type Observation struct {
	PathologyType   string  `json:"pathology_type"`
	MetricDeviation float64 `json:"metric_deviation"`
	ElementType     string  `json:"element_type"`
	SeverityLevel   string  `json:"severity_level,omitempty"`
	Description     string  `json:"description,omitempty"`
}

// IngestRequest is a tenant-scoped batch of observations.
type IngestRequest struct {
	InspectionID uuid.UUID     `json:"inspection_id"`
	OrgID        uuid.UUID     `json:"organization_id"`
	Findings     []Observation `json:"findings"`
}

// IngestResponse reports the outcome of an accepted batch.
type IngestResponse struct {
	InspectionID      uuid.UUID `json:"inspection_id"`
	HealthScore       int       `json:"health_score"`
	FindingsProcessed int       `json:"findings_processed"`
}

// Finding is one classified defect.
type Finding struct {
	ID                 uuid.UUID `json:"id"`
	InspectionID       uuid.UUID `json:"inspection_id"`
	OrgID              uuid.UUID `json:"organization_id"`
	PathologyType      string    `json:"pathology_type"`
	ElementType        string    `json:"element_type"`
	MetricDeviation    float64   `json:"metric_deviation"`
	Severity           string    `json:"severity_level"`
	NormativeReference *string   `json:"normative_reference"`
	Remediation        string    `json:"remediation"`
	Description        *string   `json:"description,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// Inspection is one audit pass over a building.
type Inspection struct {
	ID          uuid.UUID `json:"id"`
	BuildingID  string    `json:"building_id"`
	OrgID       uuid.UUID `json:"organization_id"`
	HealthScore int       `json:"health_score"`
	Status      string    `json:"status"`
	InspectedAt time.Time `json:"inspected_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// InspectionView is the authoritative inspection state with its most recent
// findings, newest first.
type InspectionView struct {
	Inspection Inspection `json:"inspection"`
	Findings   []Finding  `json:"findings"`
}

// FindingsPage is one page of an inspection's findings.
type FindingsPage struct {
	Findings []Finding
	HasMore  bool
	Limit    int
	Offset   int
}

// FieldError is one violation in a rejected request.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Event types on an inspection's realtime channel.
const (
	EventSubscribed = "subscribed"
	EventFinding    = "finding"
	EventReset      = "reset"
)

// Event is one frame received on an inspection's realtime channel.
type Event struct {
	Type         string      `json:"type"`
	InspectionID uuid.UUID   `json:"inspection_id"`
	OrgID        uuid.UUID   `json:"organization_id"`
	Seq          uint64      `json:"seq"`
	Finding      *Finding    `json:"finding,omitempty"`
	Inspection   *Inspection `json:"inspection,omitempty"`
}

type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type listEnvelope struct {
	Data    json.RawMessage `json:"data"`
	HasMore bool            `json:"has_more"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

type apiErrorEnvelope struct {
	Error struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}
