package model

import (
	"time"

	"github.com/google/uuid"
)

// InspectionStatus is the lifecycle state of an audit pass.
type InspectionStatus string

const (
	InspectionActive    InspectionStatus = "active"
	InspectionCompleted InspectionStatus = "completed"
)

// Inspection is one audit pass over a building. HealthScore is only ever
// decremented by ingestion, except for an explicit reset.
type Inspection struct {
	ID          uuid.UUID        `json:"id"`
	BuildingID  string           `json:"building_id"`
	OrgID       uuid.UUID        `json:"organization_id"`
	HealthScore int              `json:"health_score"`
	Status      InspectionStatus `json:"status"`
	InspectedAt time.Time        `json:"inspected_at"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// InspectionView is the authoritative state a dashboard reloads after
// (re)subscribing: the inspection and its most recent findings.
type InspectionView struct {
	Inspection Inspection `json:"inspection"`
	Findings   []Finding  `json:"findings"`
}
