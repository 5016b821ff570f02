package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

// handleStreamEvents streams an instance's state-change events as SSE.
// Each event's id field is its per-instance sequence; a reconnecting client
// sends Last-Event-ID (or ?since=) and the stream resumes after it with no
// gap or duplicate.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	instanceID := r.PathValue("id")

	var sinceSeq int64
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		sinceSeq, _ = strconv.ParseInt(raw, 10, 64)
	} else if raw := r.URL.Query().Get("since"); raw != "" {
		sinceSeq, _ = strconv.ParseInt(raw, 10, 64)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	events, err := s.deps.Streamer.SubscribeFrom(r.Context(), instanceID, sinceSeq)
	if err != nil {
		s.deps.Logger.Error("SSE subscribe failed", "instance_id", instanceID, "error", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Sequence, event.EventType, data)
			flusher.Flush()
		}
	}
}
