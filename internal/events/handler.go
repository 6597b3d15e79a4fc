package events

import (
	"net/http"

	"go.uber.org/zap"
)

// NewHandler returns an http.Handler that upgrades each request to a
// WebSocket connection and subscribes it to the
// topics named by repeated "topic" query parameters, defaulting to
// "jobs" if none are given. Intended to be mounted directly as an
// http.Handler, e.g. mux.Handle("/events", events.NewHandler(hub, logger)).
func NewHandler(hub *Hub, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		topics := r.URL.Query()["topic"]
		if len(topics) == 0 {
			topics = []string{"jobs"}
		}
		client, err := NewClient(hub, w, r, topics, logger)
		if err != nil {
			logger.Warn("events: upgrade failed", zap.Error(err))
			return
		}
		client.Run()
	})
}
