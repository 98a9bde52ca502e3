package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"

	apiContext "eqagent/internal/api/context"
	"eqagent/internal/engine/ledger"
	"eqagent/internal/engine/relay"
	apiErrors "eqagent/internal/pkg/errors"
	"eqagent/internal/platform/models"
)

type CallsHandler struct {
	engine *relay.Engine
}

func NewCallsHandler(engine *relay.Engine) *CallsHandler {
	return &CallsHandler{engine: engine}
}

// PendingCall is the summary shape shown in the UI; ciphertext and
// wrapped keys never leave the agent.
type PendingCall struct {
	ID         string           `json:"id"`
	RouteID    string           `json:"route_id"`
	State      models.ItemState `json:"state"`
	LastError  string           `json:"last_error,omitempty"`
	ReceivedAt int64            `json:"received_at"`
}

func (h *CallsHandler) List(w http.ResponseWriter, r *http.Request) {
	// Pull anything still queued server-side through the normal ingest
	// path first, so the view reflects the full backlog.
	if err := h.engine.SyncPending(r.Context()); err != nil {
		log.Error().Err(err).Msg("could not sync pending items from central service")
	}

	items, err := h.engine.ListPending()
	if err != nil {
		apiErrors.WriteError(w, http.StatusInternalServerError, apiErrors.ErrCodeInternal, err.Error(), nil)
		return
	}

	pending := make([]PendingCall, 0, len(items))
	for _, item := range items {
		pending = append(pending, PendingCall{
			ID:         item.ID,
			RouteID:    item.RouteID,
			State:      item.State,
			LastError:  item.LastError,
			ReceivedAt: item.ReceivedAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pending)
}

func (h *CallsHandler) Retry(w http.ResponseWriter, r *http.Request) {
	params := r.Context().Value(apiContext.Params).(httprouter.Params)
	id := params.ByName("call_id")

	if err := h.engine.RequestRetry(id); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			apiErrors.WriteError(w, http.StatusNotFound, apiErrors.ErrCodeNotFound, "unknown item", nil)
			return
		}
		apiErrors.WriteError(w, http.StatusInternalServerError, apiErrors.ErrCodeInternal, err.Error(), nil)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *CallsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	params := r.Context().Value(apiContext.Params).(httprouter.Params)
	id := params.ByName("call_id")

	if err := h.engine.Delete(id); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			apiErrors.WriteError(w, http.StatusNotFound, apiErrors.ErrCodeNotFound, "unknown item", nil)
			return
		}
		apiErrors.WriteError(w, http.StatusInternalServerError, apiErrors.ErrCodeInternal, err.Error(), nil)
		return
	}

	w.WriteHeader(http.StatusOK)
}
