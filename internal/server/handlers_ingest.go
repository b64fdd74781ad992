package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/keystone/internal/ctxutil"
	"github.com/ashita-ai/keystone/internal/model"
	"github.com/ashita-ai/keystone/internal/service/ingest"
	"github.com/ashita-ai/keystone/internal/storage"
)

// HandleIngest handles POST /v1/ingest (sensor+).
func (h *Handlers) HandleIngest(w http.ResponseWriter, r *http.Request) {
	var req model.IngestRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	resp, err := h.gateway.Ingest(r.Context(), ctxutil.ClaimsFromContext(r.Context()), req)
	if err != nil {
		h.writeIngestError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, resp)
}

func (h *Handlers) writeIngestError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		writeErrorDetails(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid ingestion batch", verr.Violations)
	case errors.Is(err, ingest.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "authentication required")
	case errors.Is(err, ingest.ErrForbidden):
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "inspection not found")
	case errors.Is(err, storage.ErrInspectionClosed):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "inspection is completed")
	default:
		h.writeInternalError(w, r, "failed to persist findings", err)
	}
}
