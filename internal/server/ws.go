package server

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ServeWS upgrades to WS and registers the connection with the registry.
// Also starts RW pumps per client. Joining a channel happens over the socket.
func (m *Manager) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: m.opts.InsecureSkipVerify,
		OriginPatterns:     m.opts.OriginPatterns,
	})
	if err != nil {
		m.log.Debug().Err(err).Msg("websocket accept")
		return
	}
	conn.SetReadLimit(m.opts.ReadLimit)

	limit := m.opts.RateLimit
	if limit < 0 {
		limit = rate.Inf
	}

	id := uuid.NewString()
	connCtx, cancel := context.WithCancel(context.Background())
	c := &client{
		m:       m,
		conn:    conn,
		send:    make(chan []byte, m.opts.SendBuffer),
		id:      id,
		limiter: rate.NewLimiter(limit, m.opts.RateBurst),
		log:     m.opts.Logger.With().Str("conn", id).Str("remote", r.RemoteAddr).Logger(),
		cancel:  cancel,
	}

	select {
	case m.register <- c:
	case <-m.done:
		cancel()
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	c.log.Debug().Msg("connected")

	go c.readPump(connCtx)
	go c.writePump(connCtx)
}
