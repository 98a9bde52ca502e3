package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"eqagent/internal/engine/relay"
)

// EventsHandler streams the engine's state-transition feed to the UI
// as server-sent events.
type EventsHandler struct {
	feed *relay.Feed
}

func NewEventsHandler(feed *relay.Feed) *EventsHandler {
	return &EventsHandler{feed: feed}
}

func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, cancel := h.feed.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}
