package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

const streamWriteTimeout = 5 * time.Second

// handleStream upgrades to a WebSocket and sends every new stats record as
// one JSON text message. Client messages are ignored.
func (g *Gateway) handleStream() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// The stream outlives the server's read and write timeouts.
		rc := http.NewResponseController(w)
		_ = rc.SetReadDeadline(time.Time{})
		_ = rc.SetWriteDeadline(time.Time{})

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			g.logger.Error("websocket accept failed", "error", err)
			return
		}
		defer func() {
			_ = conn.Close(websocket.StatusInternalError, "unexpected close")
		}()

		records, cancel := g.svc.Subscribe(64)
		defer cancel()

		ctx := conn.CloseRead(r.Context())
		for {
			select {
			case <-ctx.Done():
				return
			case rec, ok := <-records:
				if !ok {
					_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
					return
				}
				data, err := json.Marshal(rec)
				if err != nil {
					continue
				}
				wctx, wcancel := context.WithTimeout(ctx, streamWriteTimeout)
				err = conn.Write(wctx, websocket.MessageText, data)
				wcancel()
				if err != nil {
					g.logger.Debug("stats stream closed", "error", err)
					return
				}
			}
		}
	}
}
