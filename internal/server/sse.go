package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ashita-ai/keystone/internal/ctxutil"
	"github.com/ashita-ai/keystone/internal/model"
)

// HandleSubscribe handles GET /v1/inspections/{id}/subscribe (viewer+).
//
// The first frame is "subscribed" carrying the broker's sequence marker.
// Clients resync from GET /v1/inspections/{id} after every subscribed frame:
// events published while they were away are not replayed.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "realtime channel not available")
		return
	}
	id, err := parseInspectionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	orgID := ctxutil.OrgIDFromContext(r.Context())
	if _, err := h.db.GetInspection(r.Context(), orgID, id); err != nil {
		h.writeStoreError(w, r, "failed to get inspection", err)
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Long-lived: the server's WriteTimeout must not cut the stream.
	_ = rc.SetWriteDeadline(time.Time{})

	sub := h.broker.Subscribe(orgID, id)
	defer h.broker.Unsubscribe(sub)

	hello := model.RealtimeEvent{Type: model.EventSubscribed, InspectionID: id, OrgID: orgID, Seq: sub.Seq}
	if err := writeEvent(w, hello); err != nil || rc.Flush() != nil {
		return
	}
	h.logger.Debug("sse: session opened", "org_id", orgID, "inspection_id", id, "seq", sub.Seq)

	keepalive := time.NewTicker(h.sseKeepalive)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := io.WriteString(w, ":keepalive\n\n"); err != nil {
				return
			}
			if rc.Flush() != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
			if rc.Flush() != nil {
				return
			}
		}
	}
}

// writeEvent writes one SSE frame: the event name, its seq as the id and the
// JSON payload.
func writeEvent(w io.Writer, ev model.RealtimeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("sse: marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", ev.Type, ev.Seq, data)
	return err
}
