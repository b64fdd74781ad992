package keystone

import (
	"time"

	"github.com/google/uuid"
)

// Alert is raised once per ingestion batch that produced critical findings.
type Alert struct {
	InspectionID uuid.UUID      `json:"inspection_id"`
	OrgID        uuid.UUID      `json:"organization_id"`
	HealthScore  int            `json:"health_score"`
	Findings     []AlertFinding `json:"findings"`
	RaisedAt     time.Time      `json:"raised_at"`
}

// AlertFinding is a critical finding carried by an Alert.
type AlertFinding struct {
	ID                 uuid.UUID `json:"id"`
	PathologyType      string    `json:"pathology_type"`
	ElementType        string    `json:"element_type"`
	MetricDeviation    float64   `json:"metric_deviation"`
	Severity           string    `json:"severity_level"`
	NormativeReference string    `json:"normative_reference"`
	Remediation        string    `json:"remediation"`
}
