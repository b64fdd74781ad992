package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// IngestResponse is the 202 response for POST /v1/ingest.
type IngestResponse struct {
	InspectionID      uuid.UUID `json:"inspection_id"`
	HealthScore       int       `json:"health_score"`
	FindingsProcessed int       `json:"findings_processed"`
}

// CreateInspectionRequest is the request body for POST /v1/inspections.
type CreateInspectionRequest struct {
	BuildingID  string     `json:"building_id"`
	InspectedAt *time.Time `json:"inspected_at,omitempty"`
}

// LoadKnowledgeRequest is the request body for POST /v1/admin/knowledge.
type LoadKnowledgeRequest struct {
	Chunks []KnowledgeChunkInput `json:"chunks"`
}

// KnowledgeChunkInput is one building-code section to embed and store.
type KnowledgeChunkInput struct {
	Source  string `json:"source"`
	Section string `json:"section"`
	Content string `json:"content"`
}

// LoadKnowledgeResponse reports how many chunks were stored.
type LoadKnowledgeResponse struct {
	Loaded int `json:"loaded"`
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	KeyID  string `json:"key_id"`
	APIKey string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateKeyRequest is the request body for POST /v1/admin/keys.
type CreateKeyRequest struct {
	OrgID uuid.UUID `json:"organization_id"`
	Role  Role      `json:"role"`
}

// CreateKeyResponse returns the raw secret. It is never retrievable again.
type CreateKeyResponse struct {
	APIKey
	RawKey string `json:"api_key"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Postgres  string `json:"postgres"`
	Knowledge string `json:"knowledge,omitempty"`
	SSEBroker string `json:"sse_broker,omitempty"`
	Uptime    int64  `json:"uptime_seconds"`
}
