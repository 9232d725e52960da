package server

import (
	"context"

	"github.com/coder/websocket"
)

func (c *client) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		select {
		case c.m.unregister <- c:
		case <-c.m.done:
		}
		if c.conn != nil {
			_ = c.conn.Close(code, reason)
		}
	})
}

// readPump receives frames from one connection and hands them to the
// registry. Frames over the rate limit are still forwarded, flagged, so the
// registry can answer with an error.
func (c *client) readPump(ctx context.Context) {
	defer c.close(websocket.StatusNormalClosure, "read loop closed")

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				c.log.Debug().Err(err).Msg("read failed")
			}
			return
		}

		in := inbound{c: c, data: data, throttled: !c.limiter.Allow()}
		select {
		case c.m.inbound <- in:
		case <-ctx.Done():
			return
		case <-c.m.done:
			return
		}
	}
}

// writePump sends outbound frames to the connection.
// The ticker drives pings.
func (c *client) writePump(ctx context.Context) {
	ticker := c.m.clock.NewTicker(c.m.opts.PingPeriod, "client", "ping")
	defer ticker.Stop()
	defer c.close(websocket.StatusNormalClosure, "write loop closed")

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.write(ctx, msg); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				return
			}

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.m.opts.WriteWait)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.log.Debug().Err(err).Msg("ping failed")
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

func (c *client) write(ctx context.Context, msg []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, c.m.opts.WriteWait)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, msg)
}
