package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"

	apiContext "eqagent/internal/api/context"
	"eqagent/internal/engine/routes"
	apiErrors "eqagent/internal/pkg/errors"
	"eqagent/internal/platform/central"
	"eqagent/internal/platform/models"
)

// RoutesHandler owns the route CRUD surface. Mutations invalidate the
// engine's route table and are mirrored to the central service so it
// accepts webhooks for the route; the local row is authoritative.
type RoutesHandler struct {
	repo    *routes.Repository
	table   *routes.Table
	central *central.Client
}

func NewRoutesHandler(repo *routes.Repository, table *routes.Table, cc *central.Client) *RoutesHandler {
	return &RoutesHandler{repo: repo, table: table, central: cc}
}

type routeRequest struct {
	DestinationURL string `json:"destination_url"`
	Description    string `json:"description"`
}

func (h *RoutesHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.repo.List()
	if err != nil {
		apiErrors.WriteError(w, http.StatusInternalServerError, apiErrors.ErrCodeInternal, err.Error(), nil)
		return
	}
	if list == nil {
		list = []*models.Route{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(list)
}

func (h *RoutesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiErrors.WriteError(w, http.StatusBadRequest, apiErrors.ErrCodeInvalidInput, "invalid request body", nil)
		return
	}
	if req.DestinationURL == "" {
		apiErrors.WriteError(w, http.StatusBadRequest, apiErrors.ErrCodeInvalidInput, "destination_url is required", nil)
		return
	}

	route := &models.Route{
		DestinationURL: req.DestinationURL,
		Description:    req.Description,
	}
	if err := h.repo.Create(route); err != nil {
		apiErrors.WriteError(w, http.StatusInternalServerError, apiErrors.ErrCodeInternal, err.Error(), nil)
		return
	}
	h.table.Invalidate()

	if h.central != nil {
		if err := h.central.RegisterRoute(r.Context(), route); err != nil {
			log.Error().Err(err).Str("route", route.ID).Msg("could not register route with central service")
			apiErrors.WriteError(w, http.StatusBadGateway, apiErrors.ErrCodeUpstream,
				"route saved locally but central registration failed", nil)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(route)
}

func (h *RoutesHandler) Update(w http.ResponseWriter, r *http.Request) {
	params := r.Context().Value(apiContext.Params).(httprouter.Params)
	id := params.ByName("route_id")

	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiErrors.WriteError(w, http.StatusBadRequest, apiErrors.ErrCodeInvalidInput, "invalid request body", nil)
		return
	}

	route, err := h.repo.GetByID(id)
	if err != nil {
		if errors.Is(err, routes.ErrNotFound) {
			apiErrors.WriteError(w, http.StatusNotFound, apiErrors.ErrCodeNotFound, "unknown route", nil)
			return
		}
		apiErrors.WriteError(w, http.StatusInternalServerError, apiErrors.ErrCodeInternal, err.Error(), nil)
		return
	}

	route.DestinationURL = req.DestinationURL
	route.Description = req.Description
	if err := h.repo.Update(route); err != nil {
		apiErrors.WriteError(w, http.StatusInternalServerError, apiErrors.ErrCodeInternal, err.Error(), nil)
		return
	}
	h.table.Invalidate()

	if h.central != nil {
		if err := h.central.UpdateRoute(r.Context(), route); err != nil {
			log.Error().Err(err).Str("route", route.ID).Msg("could not update route on central service")
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(route)
}

func (h *RoutesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	params := r.Context().Value(apiContext.Params).(httprouter.Params)
	id := params.ByName("route_id")

	if err := h.repo.Delete(id); err != nil {
		if errors.Is(err, routes.ErrNotFound) {
			apiErrors.WriteError(w, http.StatusNotFound, apiErrors.ErrCodeNotFound, "unknown route", nil)
			return
		}
		apiErrors.WriteError(w, http.StatusInternalServerError, apiErrors.ErrCodeInternal, err.Error(), nil)
		return
	}
	h.table.Invalidate()

	if h.central != nil {
		if err := h.central.DeregisterRoute(r.Context(), id); err != nil {
			log.Error().Err(err).Str("route", id).Msg("could not deregister route on central service")
		}
	}

	w.WriteHeader(http.StatusOK)
}
