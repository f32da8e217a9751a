package server

import (
	"encoding/base64"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/adikhanal/vigil/internal/render"
	"github.com/adikhanal/vigil/internal/state"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow local connections
	},
}

// LiveHandler pushes (frame, stats, detections) snapshots to WebSocket
// clients. Each client consumes its own hub subscription at its own
// pace; falling behind drops its oldest snapshots, never stalls the
// pipeline or other clients.
type LiveHandler struct {
	hub *state.Hub
}

// NewLiveHandler creates a LiveHandler fed by the given hub.
func NewLiveHandler(hub *state.Hub) *LiveHandler {
	return &LiveHandler{hub: hub}
}

type liveMessage struct {
	Frame      string      `json:"frame"` // base64 JPEG
	Stats      interface{} `json:"stats"`
	Detections interface{} `json:"detections"`
	Timestamp  int64       `json:"timestamp"`
}

// ServeHTTP upgrades the connection and relays snapshots until the
// client goes away.
func (h *LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	sub := h.hub.Subscribe(2)
	defer sub.Cancel()

	// Reader goroutine: detect client close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case snap := <-sub.C():
			buf, err := render.JPEG(snap)
			if err != nil {
				log.Printf("WebSocket render error: %v", err)
				continue
			}
			msg := liveMessage{
				Frame:      base64.StdEncoding.EncodeToString(buf),
				Stats:      snap.Stats,
				Detections: snap.Detections,
				Timestamp:  snap.At.UnixMilli(),
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}
