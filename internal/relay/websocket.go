package relay

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// wsConn adapts a websocket connection to Conn.
type wsConn struct {
	conn *websocket.Conn
}

func (c wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c wsConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// Close runs the close handshake in the background; an unresponsive peer
// would otherwise hold the caller for the handshake timeout.
func (c wsConn) Close(reason string) error {
	go c.conn.Close(websocket.StatusGoingAway, reason)
	return nil
}

// HandleWebSocket upgrades the request and serves the session until the
// client goes away or the relay closes it.
func (r *Relay) HandleWebSocket(w http.ResponseWriter, req *http.Request) {
	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		OriginPatterns: r.opts.OriginPatterns,
	})
	if err != nil {
		r.logger.Error("Failed to accept WebSocket connection", zap.Error(err))
		return
	}
	conn.SetReadLimit(r.opts.MaxMessageSize)

	s := r.Register(wsConn{conn: conn})
	defer s.close("client disconnected")

	s.logger.Info("WebSocket client connected", zap.String("remote_addr", req.RemoteAddr))

	for {
		_, message, err := conn.Read(s.ctx)
		if err != nil {
			switch {
			case errors.Is(err, context.Canceled):
				s.logger.Debug("Session closed by relay")
			case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
				websocket.CloseStatus(err) == websocket.StatusGoingAway:
				s.logger.Debug("Client closed connection normally")
			default:
				s.logger.Info("WebSocket read ended", zap.Error(err))
			}
			return
		}

		r.HandleMessage(s, message)
	}
}
