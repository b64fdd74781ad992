package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/keystone/internal/auth"
	"github.com/ashita-ai/keystone/internal/ctxutil"
	"github.com/ashita-ai/keystone/internal/model"
	"github.com/ashita-ai/keystone/internal/service/knowledge"
)

// HandleLoadKnowledge handles POST /v1/admin/knowledge (admin). Chunks are
// stored in the caller's organization.
func (h *Handlers) HandleLoadKnowledge(w http.ResponseWriter, r *http.Request) {
	if h.loader == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "knowledge loading not available")
		return
	}

	var req model.LoadKnowledgeRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	n, err := h.loader.Load(r.Context(), ctxutil.OrgIDFromContext(r.Context()), req)
	if err != nil {
		var verr *model.ValidationError
		switch {
		case errors.As(err, &verr):
			writeErrorDetails(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid knowledge chunks", verr.Violations)
		case errors.Is(err, knowledge.ErrEmbeddingUnavailable):
			h.logger.Warn("knowledge: load refused", "error", err)
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "embedding provider unavailable")
		default:
			h.writeInternalError(w, r, "failed to load knowledge", err)
		}
		return
	}
	writeJSON(w, r, http.StatusCreated, model.LoadKnowledgeResponse{Loaded: n})
}

// HandleCreateKey handles POST /v1/admin/keys (admin). Mints a credential and
// returns the raw secret exactly once. Only platform admins may mint keys
// for another organization.
func (h *Handlers) HandleCreateKey(w http.ResponseWriter, r *http.Request) {
	claims := ctxutil.ClaimsFromContext(r.Context())

	var req model.CreateKeyRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if !req.Role.Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "role must be admin, sensor or viewer")
		return
	}
	orgID := req.OrgID
	if orgID == uuid.Nil {
		orgID = claims.OrgID
	}
	if orgID != claims.OrgID && claims.OrgID != h.adminOrgID {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "cannot create keys for another organization")
		return
	}

	keyID, rawKey, err := model.GenerateAPIKey()
	if err != nil {
		h.writeInternalError(w, r, "failed to generate api key", err)
		return
	}
	hash, err := auth.HashAPIKey(rawKey)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash api key", err)
		return
	}

	created, err := h.db.CreateAPIKey(r.Context(), model.APIKey{
		OrgID:   orgID,
		KeyID:   keyID,
		Role:    req.Role,
		KeyHash: hash,
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to create api key", err)
		return
	}

	h.logger.Info("api key created", "org_id", orgID, "key_id", keyID, "role", req.Role, "created_by", claims.KeyID)
	writeJSON(w, r, http.StatusCreated, model.CreateKeyResponse{APIKey: created, RawKey: rawKey})
}
