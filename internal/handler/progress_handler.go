package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/unica-wb/backend/internal/auth"
	"github.com/unica-wb/backend/internal/progress"
)

// ProgressHandler serves the three snapshot+delta progress streams.
type ProgressHandler struct {
	broker   *progress.Broker
	authSvc  *auth.Service
	upgrader websocket.Upgrader
}

// NewProgressHandler creates a progress WebSocket handler.
func NewProgressHandler(broker *progress.Broker, authSvc *auth.Service) *ProgressHandler {
	return &ProgressHandler{
		broker:  broker,
		authSvc: authSvc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// FirmwareWS handles WS /firmware/progress/ws.
func (h *ProgressHandler) FirmwareWS(w http.ResponseWriter, r *http.Request) {
	h.stream(w, r, progress.FirmwareChannel, func(ctx context.Context) []progress.Snapshot {
		return snapshotValues(h.broker.ListFirmware(ctx))
	})
}

// BuildWS handles WS /build/progress/ws.
func (h *ProgressHandler) BuildWS(w http.ResponseWriter, r *http.Request) {
	h.stream(w, r, progress.BuildChannel, func(ctx context.Context) []progress.Snapshot {
		return snapshotValues(h.broker.ListBuild(ctx))
	})
}

// RepoWS handles WS /repo/progress/ws.
func (h *ProgressHandler) RepoWS(w http.ResponseWriter, r *http.Request) {
	h.stream(w, r, progress.RepoChannel, func(ctx context.Context) []progress.Snapshot {
		snap := h.broker.GetRepo(ctx)
		if len(snap) == 0 {
			return []progress.Snapshot{}
		}
		return []progress.Snapshot{snap}
	})
}

// stream sends the current snapshot set, then relays pub/sub deltas until
// the client goes away.
func (h *ProgressHandler) stream(w http.ResponseWriter, r *http.Request, channel string, snapshot func(ctx context.Context) []progress.Snapshot) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx := r.Context()
	if err := h.authSvc.Authorize(ctx, r); err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeCodeUnauthorized, "unauthorized"), time.Now().Add(time.Second))
		return
	}

	if err := conn.WriteJSON(map[string]any{"type": "snapshot", "items": snapshot(ctx)}); err != nil {
		return
	}

	pubsub := h.broker.Subscribe(ctx, channel)
	defer pubsub.Close()

	// Reader pump: surfaces client disconnects as context cancelation.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-clientGone:
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var payload progress.Snapshot
			if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
				payload = progress.Snapshot{"type": "error", "message": "bad progress payload"}
			}
			if err := conn.WriteJSON(payload); err != nil {
				return
			}
		}
	}
}

func snapshotValues(m map[string]progress.Snapshot) []progress.Snapshot {
	out := make([]progress.Snapshot, 0, len(m))
	for _, snap := range m {
		out = append(out, snap)
	}
	return out
}
