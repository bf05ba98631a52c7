// Package wsview streams periodic replica-state snapshots to a debug
// viewer over a websocket, adapted from the mesh websocket transport
// this repo's teacher used for inter-node messaging: same upgrade and
// origin-check shape, but one-way and push-only — there is no peer
// identification handshake because the only consumer is a human
// watching /view/stream, not another replica.
package wsview

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const defaultInterval = 500 * time.Millisecond

// Stream upgrades the request to a websocket and pushes the result of
// snapshot() as JSON every interval until the client disconnects or a
// write fails. interval <= 0 uses defaultInterval.
func Stream(c *gin.Context, logger *zap.Logger, interval time.Duration, snapshot func() any) {
	if interval <= 0 {
		interval = defaultInterval
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("view stream upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		if err := conn.WriteJSON(snapshot()); err != nil {
			return
		}
	}
}
