package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/keystone/internal/auth"
	"github.com/ashita-ai/keystone/internal/model"
	"github.com/ashita-ai/keystone/internal/search"
	"github.com/ashita-ai/keystone/internal/service/ingest"
	"github.com/ashita-ai/keystone/internal/service/knowledge"
	"github.com/ashita-ai/keystone/internal/storage"
)

// adminKeyID is the key_id of the bootstrap admin credential.
const adminKeyID = "admin"

// Defaults for zero-valued HandlersDeps fields.
const (
	defaultRecentFindings = 20
	defaultSSEKeepalive   = 15 * time.Second
	defaultMaxBodyBytes   = 1 << 20
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	jwtMgr              *auth.JWTManager
	gateway             *ingest.Gateway
	broker              *Broker
	loader              *knowledge.Loader
	knowledgeIndex      search.KnowledgeIndex
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	adminOrgID          uuid.UUID
	recentFindings      int
	sseKeepalive        time.Duration
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Broker, Loader, KnowledgeIndex.
type HandlersDeps struct {
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	Gateway             *ingest.Gateway
	Broker              *Broker
	Loader              *knowledge.Loader
	KnowledgeIndex      search.KnowledgeIndex
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	// AdminOrgID is the platform organization. Its admins may mint keys
	// for any organization.
	AdminOrgID     uuid.UUID
	RecentFindings int
	SSEKeepalive   time.Duration
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	h := &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		gateway:             d.Gateway,
		broker:              d.Broker,
		loader:              d.Loader,
		knowledgeIndex:      d.KnowledgeIndex,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		adminOrgID:          d.AdminOrgID,
		recentFindings:      d.RecentFindings,
		sseKeepalive:        d.SSEKeepalive,
	}
	if h.maxRequestBodyBytes <= 0 {
		h.maxRequestBodyBytes = defaultMaxBodyBytes
	}
	if h.recentFindings <= 0 {
		h.recentFindings = defaultRecentFindings
	}
	if h.sseKeepalive <= 0 {
		h.sseKeepalive = defaultSSEKeepalive
	}
	return h
}

// HandleAuthToken handles POST /auth/token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.KeyID == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "key_id and api_key are required")
		return
	}

	key, err := h.db.GetAPIKeyByKeyID(r.Context(), req.KeyID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			h.writeInternalError(w, r, "failed to look up api key", err)
			return
		}
		// Same cost as a real verification so unknown key IDs are not
		// distinguishable by timing.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	valid, err := auth.VerifyAPIKey(req.APIKey, key.KeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(key)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	h.logger.Info("auth: token issued", "org_id", key.OrgID, "key_id", key.KeyID, "role", key.Role)
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}

	// Citations degrade instead of failing, so an unreachable knowledge
	// store does not make the service unhealthy.
	if h.knowledgeIndex != nil {
		if err := h.knowledgeIndex.Healthy(r.Context()); err == nil {
			resp.Knowledge = "connected"
		} else {
			resp.Knowledge = "disconnected"
			if status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}

	// A replica that lost its LISTEN connection only reaches its own sessions.
	if h.broker != nil {
		switch {
		case !h.broker.distributed():
			resp.SSEBroker = "running"
		case h.broker.Listening():
			resp.SSEBroker = "listening"
		default:
			resp.SSEBroker = "local_only"
			if status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}

	writeJSON(w, r, httpStatus, resp)
}

// SeedAdmin creates or refreshes the bootstrap admin key in orgID.
func (h *Handlers) SeedAdmin(ctx context.Context, orgID uuid.UUID, adminAPIKey string) error {
	if adminAPIKey == "" {
		h.logger.Info("no admin API key configured, skipping admin seed")
		return nil
	}

	hash, err := auth.HashAPIKey(adminAPIKey)
	if err != nil {
		return fmt.Errorf("seed admin: hash key: %w", err)
	}

	if err := h.db.UpsertAPIKey(ctx, model.APIKey{
		OrgID:   orgID,
		KeyID:   adminKeyID,
		Role:    model.RoleAdmin,
		KeyHash: hash,
	}); err != nil {
		return fmt.Errorf("seed admin: upsert key: %w", err)
	}

	h.logger.Info("seeded admin api key", "org_id", orgID, "key_id", adminKeyID)
	return nil
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "path", r.URL.Path)
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// --- Shared helpers ---

func parseInspectionID(r *http.Request) (uuid.UUID, error) {
	raw := r.PathValue("id")
	if raw == "" {
		return uuid.Nil, fmt.Errorf("inspection id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid inspection id: %s", raw)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// maxQueryOffset prevents absurdly large offset values that cause expensive sequential scans.
const maxQueryOffset = 100_000

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	if offset > maxQueryOffset {
		return maxQueryOffset
	}
	return offset
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}
