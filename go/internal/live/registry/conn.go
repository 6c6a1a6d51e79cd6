package registry

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/robocomp/fieldhub/go/internal/live/events"
)

// Conn represents one live client connection: an audience screen or a
// control station. Room membership is owned by the Registry; the Conn
// itself only owns its socket and outbound queue.
type Conn struct {
	ID       string
	ClientID string

	sock *websocket.Conn
	Send chan []byte
	reg  *Registry

	ConnectedAt time.Time
	LastSeen    time.Time
}

// Config holds socket tuning for client connections.
type Config struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendQueueDepth  int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConfig returns the socket tuning used in production.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  16 * 1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendQueueDepth:  64,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// writePump drains the send queue onto the socket and keeps the
// connection alive with periodic pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.reg.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.sock.Close()
		c.reg.Unregister(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.sock.SetWriteDeadline(time.Now().Add(c.reg.cfg.WriteTimeout))
			if !ok {
				c.sock.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.sock.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.ID).
					Msg("write to client failed")
				return
			}

		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(c.reg.cfg.WriteTimeout))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads event frames from the socket and hands them to the
// registry's event handler. It owns connection teardown on read error.
func (c *Conn) readPump() {
	defer func() {
		c.reg.Unregister(c)
		c.sock.Close()
	}()

	c.sock.SetReadLimit(c.reg.cfg.MaxMessageSize)
	c.sock.SetReadDeadline(time.Now().Add(c.reg.cfg.ReadTimeout))
	c.sock.SetPongHandler(func(string) error {
		c.sock.SetReadDeadline(time.Now().Add(c.reg.cfg.ReadTimeout))
		c.LastSeen = time.Now()
		return nil
	})

	for {
		_, message, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected close")
			}
			break
		}
		c.sock.SetReadDeadline(time.Now().Add(c.reg.cfg.ReadTimeout))
		c.LastSeen = time.Now()

		var ev events.Event
		if err := json.Unmarshal(message, &ev); err != nil {
			log.Debug().
				Err(err).
				Str("connection_id", c.ID).
				Msg("dropping malformed frame")
			continue
		}

		if h := c.reg.handler(); h != nil {
			h.HandleEvent(c, &ev)
		}
	}
}
