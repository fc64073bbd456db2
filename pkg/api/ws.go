package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shuliakovsky/kaspa-nodepool/pkg/metrics"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/subscription"
)

type WS struct {
	Mgr    *subscription.Manager
	Logger *zap.Logger
}

func NewWS(mgr *subscription.Manager, logger *zap.Logger) *WS {
	return &WS{Mgr: mgr, Logger: logger}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// ServeUtxos streams UTXO change notifications to a websocket client. The
// client receives exactly what the manager delivers, including resync
// snapshots after a failover.
func (ws *WS) ServeUtxos(rw http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		ws.Logger.Warn("ws_upgrade_failed", zap.Error(err))
		return
	}
	defer conn.Close()

	metrics.WSClients.Inc()
	defer metrics.WSClients.Dec()

	// Buffered so a slow client drops notifications instead of stalling the
	// manager's fan-out.
	out := make(chan json.RawMessage, 64)
	id := ws.Mgr.AddNotificationHandler(func(payload json.RawMessage) {
		select {
		case out <- payload:
		default:
			ws.Logger.Warn("ws_client_slow_dropping", zap.String("remote", r.RemoteAddr))
		}
	})
	defer ws.Mgr.RemoveNotificationHandler(id)

	ws.Logger.Info("ws_client_connected", zap.String("remote", r.RemoteAddr))

	// Reader goroutine only to detect the client closing.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			ws.Logger.Info("ws_client_disconnected", zap.String("remote", r.RemoteAddr))
			return
		case payload := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				ws.Logger.Warn("ws_client_write_error", zap.Error(err))
				return
			}
		}
	}
}
