package api

import (
	"context"
	"net/http"

	"github.com/julienschmidt/httprouter"

	apiContext "eqagent/internal/api/context"
	"eqagent/internal/api/handlers"
)

type Dependencies struct {
	CallsHandler  *handlers.CallsHandler
	RoutesHandler *handlers.RoutesHandler
	EventsHandler *handlers.EventsHandler
	HealthHandler *handlers.HealthHandler
}

func NewRouter(deps *Dependencies) *httprouter.Router {
	router := httprouter.New()

	// Pending items and per-item actions
	router.GET("/api/calls", wrap(deps.CallsHandler.List))
	router.POST("/api/calls/:call_id/retry", wrap(deps.CallsHandler.Retry))
	router.DELETE("/api/calls/:call_id", wrap(deps.CallsHandler.Delete))

	// Activity feed for the UI
	router.GET("/api/events", wrap(deps.EventsHandler.Stream))

	// Route configuration
	router.GET("/api/routes", wrap(deps.RoutesHandler.List))
	router.POST("/api/routes", wrap(deps.RoutesHandler.Create))
	router.PUT("/api/routes/:route_id", wrap(deps.RoutesHandler.Update))
	router.DELETE("/api/routes/:route_id", wrap(deps.RoutesHandler.Delete))

	router.GET("/health", wrap(deps.HealthHandler.Check))

	return router
}

// Convert http.HandlerFunc to httprouter.Handle
func wrap(handler http.HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		// Inject params into context
		ctx := context.WithValue(r.Context(), apiContext.Params, ps)
		handler(w, r.WithContext(ctx))
	}
}
