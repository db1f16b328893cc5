package fanout

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// PushLoop publishes a metrics snapshot onto the metrics fan-out channel
// every 2 seconds, per §4.11, until ctx is canceled. snapshot builds the
// payload fresh each tick (e.g. reading Pool.Status()/Queue depths).
func PushLoop(ctx context.Context, br *Bridge, snapshot func() any) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			br.PublishMetrics(snapshot())
		}
	}
}

// subscribeHandler upgrades to a websocket and streams one channel's
// events to the client, matching the teacher's own upgrader configuration
// (origin check delegated to the caller's reverse proxy, generous buffer
// sizes for JSON frames).
type subscribeHandler struct {
	broadcaster *Broadcaster
	log         *slog.Logger
	upgrader    websocket.Upgrader
}

// NewSubscribeHandler returns an http.Handler serving GET /subscribe?
// channel=tasks|tools|metrics&scope=user|admin.
func NewSubscribeHandler(b *Broadcaster, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return &subscribeHandler{
		broadcaster: b,
		log:         log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *subscribeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	scope := Scope{UserID: userID, Admin: r.URL.Query().Get("scope") == "admin"}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("subscribe: upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := h.broadcaster.Subscribe(scope)
	defer h.broadcaster.Unsubscribe(ch)

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
