// Package registry tracks live connections and their room memberships,
// and delivers serialized events onto each connection's send queue.
package registry

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/robocomp/fieldhub/go/internal/live/events"
	"github.com/robocomp/fieldhub/go/internal/live/room"
)

// EventHandler receives every event frame read from a client socket.
type EventHandler interface {
	HandleEvent(c *Conn, ev *events.Event)
}

// Registry is the connection registry. It owns the Connection objects and
// the room membership maps; nothing else mutates either.
type Registry struct {
	mu     sync.RWMutex
	conns  map[*Conn]struct{}
	rooms  map[room.Key]map[*Conn]struct{}
	byConn map[*Conn]map[room.Key]struct{}

	cfg      Config
	upgrader websocket.Upgrader

	handlerMu sync.RWMutex
	h         EventHandler

	dropped atomic.Uint64
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	return &Registry{
		conns:  make(map[*Conn]struct{}),
		rooms:  make(map[room.Key]map[*Conn]struct{}),
		byConn: make(map[*Conn]map[room.Key]struct{}),
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
}

// SetHandler installs the event handler invoked by every connection's read
// pump. Set once at startup, before any connection is upgraded.
func (r *Registry) SetHandler(h EventHandler) {
	r.handlerMu.Lock()
	r.h = h
	r.handlerMu.Unlock()
}

func (r *Registry) handler() EventHandler {
	r.handlerMu.RLock()
	defer r.handlerMu.RUnlock()
	return r.h
}

// Register creates and tracks a connection with no room memberships. The
// socket pumps are started separately by Upgrade; tests register bare
// connections and drain Send directly.
func (r *Registry) Register(clientID string) *Conn {
	c := &Conn{
		ID:          uuid.New().String(),
		ClientID:    clientID,
		Send:        make(chan []byte, r.cfg.SendQueueDepth),
		reg:         r,
		ConnectedAt: time.Now(),
		LastSeen:    time.Now(),
	}

	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.byConn[c] = make(map[room.Key]struct{})
	total := len(r.conns)
	r.mu.Unlock()

	log.Debug().
		Str("connection_id", c.ID).
		Str("client_id", clientID).
		Int("total_connections", total).
		Msg("connection registered")
	return c
}

// Upgrade performs the WebSocket handshake and starts the connection's
// pumps. The caller joins the connection to its initial room afterwards.
func (r *Registry) Upgrade(w http.ResponseWriter, req *http.Request, clientID string) (*Conn, error) {
	sock, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade connection: %w", err)
	}

	c := r.Register(clientID)
	c.sock = sock

	go c.writePump()
	go c.readPump()

	log.Info().
		Str("connection_id", c.ID).
		Str("client_id", clientID).
		Msg("websocket connection established")
	return c, nil
}

// Join adds c to the given room. Joining a room the connection already
// holds, or joining after unregister, is a no-op.
func (r *Registry) Join(c *Conn, key room.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()

	held, ok := r.byConn[c]
	if !ok {
		return // disconnect race, not an error
	}
	if _, already := held[key]; already {
		return
	}
	held[key] = struct{}{}
	if r.rooms[key] == nil {
		r.rooms[key] = make(map[*Conn]struct{})
	}
	r.rooms[key][c] = struct{}{}

	log.Debug().
		Str("connection_id", c.ID).
		Str("room", key.String()).
		Int("members", len(r.rooms[key])).
		Msg("joined room")
}

// Leave removes c from the given room. Leaving a room not held is a no-op.
func (r *Registry) Leave(c *Conn, key room.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(c, key)
}

func (r *Registry) leaveLocked(c *Conn, key room.Key) {
	held, ok := r.byConn[c]
	if !ok {
		return
	}
	if _, member := held[key]; !member {
		return
	}
	delete(held, key)
	if members := r.rooms[key]; members != nil {
		delete(members, c)
		if len(members) == 0 {
			delete(r.rooms, key)
		}
	}
}

// Unregister removes the connection and all of its memberships. This is
// the only path that destroys a connection. Safe to call more than once:
// the pumps both call it on teardown.
func (r *Registry) Unregister(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	held, ok := r.byConn[c]
	if !ok {
		return
	}
	for key := range held {
		if members := r.rooms[key]; members != nil {
			delete(members, c)
			if len(members) == 0 {
				delete(r.rooms, key)
			}
		}
	}
	delete(r.byConn, c)
	delete(r.conns, c)
	close(c.Send)

	log.Info().
		Str("connection_id", c.ID).
		Str("client_id", c.ClientID).
		Msg("connection unregistered")
}

// MembersOf returns the current members of a room.
func (r *Registry) MembersOf(key room.Key) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[key]
	out := make([]*Conn, 0, len(members))
	for c := range members {
		out = append(out, c)
	}
	return out
}

// Rooms returns the rooms c currently holds.
func (r *Registry) Rooms(c *Conn) []room.Key {
	r.mu.RLock()
	defer r.mu.RUnlock()

	held := r.byConn[c]
	out := make([]room.Key, 0, len(held))
	for key := range held {
		out = append(out, key)
	}
	return out
}

// Deliver enqueues data on c's send queue. When the queue is full the
// oldest entry is dropped in favor of the new one, so a slow screen always
// converges on the most recent state instead of replaying a backlog.
// Delivery to a connection that is already gone reports false.
func (r *Registry) Deliver(c *Conn, data []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, live := r.conns[c]; !live {
		return false
	}
	for {
		select {
		case c.Send <- data:
			return true
		default:
			select {
			case <-c.Send:
				r.dropped.Add(1)
				log.Warn().
					Str("connection_id", c.ID).
					Msg("send queue full, dropped oldest frame")
			default:
			}
		}
	}
}

// Stats describes the registry's current population.
type Stats struct {
	Connections   int            `json:"connections"`
	Rooms         int            `json:"rooms"`
	RoomMembers   map[string]int `json:"room_members"`
	DroppedFrames uint64         `json:"dropped_frames"`
}

// Snapshot of connection counts for the stats endpoint.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make(map[string]int, len(r.rooms))
	for key, set := range r.rooms {
		members[key.String()] = len(set)
	}
	return Stats{
		Connections:   len(r.conns),
		Rooms:         len(r.rooms),
		RoomMembers:   members,
		DroppedFrames: r.dropped.Load(),
	}
}
