package model

import (
	"github.com/google/uuid"
)

// EventType names a frame on an inspection's realtime channel.
type EventType string

const (
	// EventSubscribed is the handshake frame. Its Seq is the server's
	// sequence marker at the moment the session was registered.
	EventSubscribed EventType = "subscribed"
	// EventFinding carries one newly persisted finding.
	EventFinding EventType = "finding"
	// EventReset announces an explicit score reset; clients resync.
	EventReset EventType = "reset"
)

// SubscriptionStatus is the channel state a dashboard session is in.
type SubscriptionStatus string

const (
	StatusIdle       SubscriptionStatus = "idle"
	StatusConnecting SubscriptionStatus = "connecting"
	StatusSubscribed SubscriptionStatus = "subscribed"
	StatusClosed     SubscriptionStatus = "closed"
	StatusErrored    SubscriptionStatus = "errored"
)

// RealtimeEvent is the payload of one realtime frame. It is also the body of
// the Postgres notification used for cross-replica fan-out.
type RealtimeEvent struct {
	Type         EventType   `json:"type"`
	InspectionID uuid.UUID   `json:"inspection_id"`
	OrgID        uuid.UUID   `json:"organization_id"`
	Seq          uint64      `json:"seq"`
	Finding      *Finding    `json:"finding,omitempty"`
	Inspection   *Inspection `json:"inspection,omitempty"`
}
