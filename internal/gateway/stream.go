package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/greenwichg/etl-transforations/internal/bus"
)

// handleEventStream serves the live event feed as server-sent events.
// The subscription is lossy on purpose: a slow operator console drops
// events instead of backpressuring the pipeline monitors. The number of
// dropped events is reported on the stream itself.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	prefix := r.URL.Query().Get("topic")
	sub := s.cfg.Bus.Subscribe(prefix, bus.DropOldest)
	defer s.cfg.Bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var lastDropped int64
	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			if dropped := sub.Dropped(); dropped > lastDropped {
				fmt.Fprintf(w, "event: dropped\ndata: {\"count\":%d}\n\n", dropped-lastDropped)
				lastDropped = dropped
			}
			payload, err := json.Marshal(event.Payload)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Topic, payload)
			flusher.Flush()
		}
	}
}
