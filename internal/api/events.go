package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kalambet/taskmind/internal/eventbus"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleEvents streams lifecycle events as JSON text frames. ?plan_id=
// limits the stream to one plan. Clients may send {"type":"ping"} and get
// {"type":"pong"} back.
func handleEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Bus == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "event stream is not available")
			return
		}
		planID := r.URL.Query().Get("plan_id")

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			deps.logger().Warn("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		if deps.Metrics != nil {
			deps.Metrics.WSConnectionsActive.Inc()
			defer deps.Metrics.WSConnectionsActive.Dec()
		}

		send := make(chan any, wsSendBuffer)
		unsubscribe := deps.Bus.Subscribe(func(ev eventbus.Event) {
			if planID != "" && ev.PlanID != planID {
				return
			}
			select {
			case send <- ev:
			default:
				deps.logger().Warn("dropping event for slow websocket client", "type", ev.Type, "seq", ev.Seq)
			}
		})
		defer unsubscribe()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		go readPump(conn, send, cancel)
		writePump(ctx, conn, send)
	}
}

// readPump owns reads. It answers ping messages through send so that all
// writes stay on the writer goroutine, and cancels on disconnect.
func readPump(conn *websocket.Conn, send chan<- any, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(msg, &req) == nil && req.Type == "ping" {
			select {
			case send <- map[string]string{"type": "pong"}:
			default:
			}
		}
	}
}

func writePump(ctx context.Context, conn *websocket.Conn, send <-chan any) {
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg := <-send:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}
