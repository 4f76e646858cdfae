package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/hyperengineering/cartsync/internal/store"
	"github.com/hyperengineering/cartsync/internal/types"
)

// StatusCartExpired is the close code sent when a cart expires.
const StatusCartExpired websocket.StatusCode = 4410

const broadcastWriteTimeout = 10 * time.Second

// Broadcasts handles GET /api/v1/carts/{cart_id}/broadcasts.
//
// The connection receives the current snapshot first and then every newer
// snapshot the hub publishes. Client frames are ignored.
func (h *Handler) Broadcasts(w http.ResponseWriter, r *http.Request) {
	cartID := CartIDFromContext(r.Context())

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.OriginPatterns,
	})
	if err != nil {
		slog.Warn("websocket upgrade failed",
			"component", "api",
			"action", "broadcast_upgrade_failed",
			"cart_id", cartID,
			"error", err,
		)
		return
	}
	defer conn.CloseNow()

	// Subscribe before reading the snapshot so no accepted version is missed.
	updates, cancel := h.hub.Subscribe(cartID)
	defer cancel()

	ctx := conn.CloseRead(r.Context())
	start := time.Now()
	slog.Info("broadcast stream opened",
		"component", "api",
		"action", "broadcast_open",
		"cart_id", cartID,
	)

	code, reason := h.streamBroadcasts(ctx, conn, cartID, updates)
	conn.Close(code, reason)

	slog.Info("broadcast stream closed",
		"component", "api",
		"action", "broadcast_close",
		"cart_id", cartID,
		"close_code", int(code),
		"reason", reason,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (h *Handler) streamBroadcasts(
	ctx context.Context,
	conn *websocket.Conn,
	cartID types.CartID,
	updates <-chan types.BroadcastMessage,
) (websocket.StatusCode, string) {
	snap, err := h.store.GetSnapshot(ctx, cartID)
	switch {
	case errors.Is(err, store.ErrCartExpired):
		writeFrame(ctx, conn, types.BroadcastMessage{Type: types.MessageCartExpired})
		return StatusCartExpired, "cart expired"
	case err != nil:
		slog.Error("broadcast snapshot read failed",
			"component", "api",
			"action", "broadcast_failed",
			"cart_id", cartID,
			"error", err,
		)
		return websocket.StatusInternalError, "snapshot unavailable"
	}
	if err := writeFrame(ctx, conn, types.BroadcastMessage{Type: types.MessageSnapshot, Snapshot: &snap}); err != nil {
		return websocket.StatusGoingAway, "write failed"
	}

	interval := h.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return websocket.StatusNormalClosure, ""
		case msg, ok := <-updates:
			if !ok {
				return websocket.StatusGoingAway, "server shutting down"
			}
			if err := writeFrame(ctx, conn, msg); err != nil {
				return websocket.StatusGoingAway, "write failed"
			}
			if msg.Type == types.MessageCartExpired {
				return StatusCartExpired, "cart expired"
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, broadcastWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return websocket.StatusGoingAway, "ping failed"
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, msg types.BroadcastMessage) error {
	ctx, cancel := context.WithTimeout(ctx, broadcastWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}
