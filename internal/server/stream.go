package server

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/adikhanal/vigil/internal/render"
	"github.com/adikhanal/vigil/internal/state"
)

// streamIdlePoll is how long a stream consumer waits for a snapshot
// before re-checking the client connection.
const streamIdlePoll = 250 * time.Millisecond

// StreamHandler serves the annotated frame feed as an MJPEG stream.
// Each connection gets its own hub subscription, so a slow client only
// drops its own frames.
type StreamHandler struct {
	hub *state.Hub
}

// NewStreamHandler creates a StreamHandler fed by the given hub.
func NewStreamHandler(hub *state.Hub) *StreamHandler {
	return &StreamHandler{hub: hub}
}

// ServeHTTP streams MJPEG frames until the client disconnects.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := h.hub.Subscribe(2)
	defer sub.Cancel()

	for {
		var snap *state.Snapshot
		select {
		case <-r.Context().Done():
			return
		case snap = <-sub.C():
		case <-time.After(streamIdlePoll):
			continue
		}

		buf, err := render.JPEG(snap)
		if err != nil {
			log.Printf("Stream render error: %v", err)
			continue
		}

		fmt.Fprintf(w, "--frame\r\n")
		fmt.Fprintf(w, "Content-Type: image/jpeg\r\n")
		fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(buf))
		if _, err := w.Write(buf); err != nil {
			return
		}
		fmt.Fprintf(w, "\r\n")

		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
}
