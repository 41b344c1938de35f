package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// streamEvents serves alerts and decision transitions as server-sent
// events until the client goes away
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	alerts, stopAlerts := s.deps.Pipeline.SubscribeAlerts(128)
	defer stopAlerts()
	decisions, stopDecisions := s.deps.Decisions.Subscribe(128)
	defer stopDecisions()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	s.log.Debug("Event stream opened", "remote", r.RemoteAddr)
	defer s.log.Debug("Event stream closed", "remote", r.RemoteAddr)

	ping := time.NewTicker(s.keepAlive)
	defer ping.Stop()

	for {
		var (
			event string
			data  interface{}
		)
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
			continue
		case a, ok := <-alerts:
			if !ok {
				return
			}
			event, data = "alert", a
		case ev, ok := <-decisions:
			if !ok {
				return
			}
			event, data = "decision", ev
		}

		payload, err := json.Marshal(data)
		if err != nil {
			s.log.Warn("Failed to encode stream event", "event", event, "error", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
			return
		}
		flusher.Flush()
	}
}
