package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ashita-ai/keystone/internal/ctxutil"
	"github.com/ashita-ai/keystone/internal/model"
	"github.com/ashita-ai/keystone/internal/storage"
)

// HandleCreateInspection handles POST /v1/inspections (sensor+).
func (h *Handlers) HandleCreateInspection(w http.ResponseWriter, r *http.Request) {
	orgID := ctxutil.OrgIDFromContext(r.Context())

	var req model.CreateInspectionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	req.BuildingID = strings.TrimSpace(req.BuildingID)
	if err := req.Validate(); err != nil {
		var verr *model.ValidationError
		if errors.As(err, &verr) {
			writeErrorDetails(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid inspection", verr.Violations)
			return
		}
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	buildingID := req.BuildingID
	inspectedAt := time.Now().UTC()
	if req.InspectedAt != nil {
		inspectedAt = req.InspectedAt.UTC()
	}

	in, err := h.db.CreateInspection(r.Context(), orgID, buildingID, inspectedAt)
	if err != nil {
		h.writeInternalError(w, r, "failed to create inspection", err)
		return
	}
	h.logger.Info("inspection created", "org_id", orgID, "inspection_id", in.ID, "building_id", buildingID)
	writeJSON(w, r, http.StatusCreated, in)
}

// HandleGetInspection handles GET /v1/inspections/{id} (viewer+). This is
// the resync read: the score and the most recent findings from one snapshot.
func (h *Handlers) HandleGetInspection(w http.ResponseWriter, r *http.Request) {
	id, err := parseInspectionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	recent := queryLimit(r, h.recentFindings)

	view, err := h.db.GetInspectionView(r.Context(), ctxutil.OrgIDFromContext(r.Context()), id, recent)
	if err != nil {
		h.writeStoreError(w, r, "failed to get inspection", err)
		return
	}
	writeJSON(w, r, http.StatusOK, view)
}

// HandleListFindings handles GET /v1/inspections/{id}/findings (viewer+).
func (h *Handlers) HandleListFindings(w http.ResponseWriter, r *http.Request) {
	id, err := parseInspectionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	orgID := ctxutil.OrgIDFromContext(r.Context())
	limit := queryLimit(r, 50)
	offset := queryOffset(r)

	// An unknown inspection is a 404, not an empty page.
	if _, err := h.db.GetInspection(r.Context(), orgID, id); err != nil {
		h.writeStoreError(w, r, "failed to get inspection", err)
		return
	}

	findings, err := h.db.ListFindings(r.Context(), orgID, id, limit+1, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list findings", err)
		return
	}
	hasMore := len(findings) > limit
	if hasMore {
		findings = findings[:limit]
	}
	writeListJSON(w, r, findings, hasMore, limit, offset)
}

// HandleResetInspection handles POST /v1/inspections/{id}/reset (admin).
func (h *Handlers) HandleResetInspection(w http.ResponseWriter, r *http.Request) {
	id, err := parseInspectionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	claims := ctxutil.ClaimsFromContext(r.Context())

	in, err := h.db.ResetInspectionScore(r.Context(), claims.OrgID, id)
	if err != nil {
		h.writeStoreError(w, r, "failed to reset inspection", err)
		return
	}
	if h.broker != nil {
		h.broker.PublishReset(r.Context(), in)
	}
	h.logger.Info("inspection score reset", "org_id", claims.OrgID, "inspection_id", id, "key_id", claims.KeyID)
	writeJSON(w, r, http.StatusOK, in)
}

// HandleCompleteInspection handles POST /v1/inspections/{id}/complete (sensor+).
func (h *Handlers) HandleCompleteInspection(w http.ResponseWriter, r *http.Request) {
	id, err := parseInspectionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	orgID := ctxutil.OrgIDFromContext(r.Context())

	in, err := h.db.CompleteInspection(r.Context(), orgID, id)
	if err != nil {
		h.writeStoreError(w, r, "failed to complete inspection", err)
		return
	}
	h.logger.Info("inspection completed", "org_id", orgID, "inspection_id", id, "health_score", in.HealthScore)
	writeJSON(w, r, http.StatusOK, in)
}

// writeStoreError reports storage.ErrNotFound as 404 and anything else as 500.
func (h *Handlers) writeStoreError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "inspection not found")
		return
	}
	h.writeInternalError(w, r, msg, err)
}
