// Package hub is the event distribution core: it serializes every
// state-changing event onto one processing loop, merges it into the
// canonical store, resolves recipients by room scope, and fans out
// through the connection registry. Joins are handled on the same loop so
// a joining screen receives the current snapshot and every later delta
// with no gap in between.
package hub

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/robocomp/fieldhub/go/internal/live/events"
	"github.com/robocomp/fieldhub/go/internal/live/registry"
	"github.com/robocomp/fieldhub/go/internal/live/room"
	"github.com/robocomp/fieldhub/go/internal/live/state"
	"github.com/robocomp/fieldhub/go/internal/live/timer"
)

// Msg is the sealed set of work items scheduled onto the hub loop.
type Msg interface{ isHubMsg() }

type publish struct {
	origin     *registry.Conn // nil for bus- and engine-originated events
	ev         *events.Event
	fromEngine bool
}

type joinRoom struct {
	conn *registry.Conn
	key  room.Key
}

type leaveRoom struct {
	conn *registry.Conn
	key  room.Key
}

type snapshotReq struct {
	key   room.Key
	reply chan state.RoomSnapshot
}

func (publish) isHubMsg()     {}
func (joinRoom) isHubMsg()    {}
func (leaveRoom) isHubMsg()   {}
func (snapshotReq) isHubMsg() {}

// Hub wires the store, registry and timer engine together behind one
// inbox channel.
type Hub struct {
	inbox  chan Msg
	reg    *registry.Registry
	store  *state.Store
	engine *timer.Engine
	clock  clockwork.Clock

	delivered atomic.Uint64
	rejected  atomic.Uint64
}

// New creates a hub. The timer engine is constructed here so its ticks
// feed back through the same publish path as external senders.
func New(reg *registry.Registry, store *state.Store, clock clockwork.Clock, tickInterval time.Duration, inboxDepth int) *Hub {
	h := &Hub{
		inbox: make(chan Msg, inboxDepth),
		reg:   reg,
		store: store,
		clock: clock,
	}
	h.engine = timer.NewEngine(clock, h, tickInterval)
	return h
}

// Engine exposes the timer engine for session teardown.
func (h *Hub) Engine() *timer.Engine { return h.engine }

// Run processes the inbox until ctx is cancelled. All store mutation and
// all fan-out ordering decisions happen on this goroutine.
func (h *Hub) Run(ctx context.Context) {
	log.Info().Msg("hub started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("hub shutting down")
			return
		case m := <-h.inbox:
			switch msg := m.(type) {
			case publish:
				h.handlePublish(msg)
			case joinRoom:
				h.handleJoin(msg.conn, msg.key)
			case leaveRoom:
				h.reg.Leave(msg.conn, msg.key)
			case snapshotReq:
				msg.reply <- h.store.SnapshotFor(msg.key)
			}
		}
	}
}

// HandleEvent is the registry's event handler: it routes frames read from
// client sockets onto the hub loop.
func (h *Hub) HandleEvent(c *registry.Conn, ev *events.Event) {
	switch ev.Type {
	case events.TypeJoinRoom:
		h.enqueue(joinRoom{conn: c, key: room.Key{TournamentID: ev.TournamentID, FieldID: ev.FieldID}})
	case events.TypeLeaveRoom:
		h.enqueue(leaveRoom{conn: c, key: room.Key{TournamentID: ev.TournamentID, FieldID: ev.FieldID}})
	default:
		h.Publish(c, ev)
	}
}

// Publish schedules an externally received event for processing. origin
// may be nil for events arriving over the message bus.
func (h *Hub) Publish(origin *registry.Conn, ev *events.Event) {
	h.enqueue(publish{origin: origin, ev: ev})
}

// PublishBus schedules an event received from the message bus. Bus events
// have no originating connection to surface rejections to.
func (h *Hub) PublishBus(ev *events.Event) {
	h.enqueue(publish{ev: ev})
}

// PublishLocal is the timer engine's publisher: engine events are
// authoritative timer state and skip the command interpretation step.
func (h *Hub) PublishLocal(ev *events.Event) {
	h.enqueue(publish{ev: ev, fromEngine: true})
}

// Join schedules a room join with snapshot reconciliation for the
// connection. Used by the websocket handshake and by join_room frames.
func (h *Hub) Join(c *registry.Conn, key room.Key) {
	h.enqueue(joinRoom{conn: c, key: key})
}

// SnapshotFor reads a consistent room snapshot through the hub loop.
func (h *Hub) SnapshotFor(ctx context.Context, key room.Key) (state.RoomSnapshot, error) {
	reply := make(chan state.RoomSnapshot, 1)
	select {
	case h.inbox <- snapshotReq{key: key, reply: reply}:
	case <-ctx.Done():
		return state.RoomSnapshot{}, ctx.Err()
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return state.RoomSnapshot{}, ctx.Err()
	}
}

func (h *Hub) enqueue(m Msg) {
	select {
	case h.inbox <- m:
	default:
		// Inbox saturated: shed the work item rather than block a pump
		// or a timer tick. Counted so operators can size the inbox up.
		h.rejected.Add(1)
		log.Warn().Msg("hub inbox full, dropping work item")
	}
}

// Stats counters for the stats endpoint.
type Stats struct {
	Delivered uint64         `json:"delivered"`
	Rejected  uint64         `json:"rejected"`
	Registry  registry.Stats `json:"registry"`
}

func (h *Hub) Stats() Stats {
	return Stats{
		Delivered: h.delivered.Load(),
		Rejected:  h.rejected.Load(),
		Registry:  h.reg.Stats(),
	}
}

// handleJoin registers the membership and pushes the current snapshot in
// the same unit of work, so no delta merged afterwards can be missed and
// none merged before can be absent from the snapshot.
func (h *Hub) handleJoin(c *registry.Conn, key room.Key) {
	if !key.Valid() {
		h.rejectToOrigin(c, "", "missing_scope", "join_room requires a tournament id")
		return
	}
	h.reg.Join(c, key)

	snap := h.store.SnapshotFor(key)
	ev, err := events.New(events.TypeSnapshot, key.TournamentID, key.FieldID, snap)
	if err != nil {
		log.Error().Err(err).Str("room", key.String()).Msg("marshal snapshot")
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("room", key.String()).Msg("marshal snapshot envelope")
		return
	}
	h.reg.Deliver(c, data)

	log.Debug().
		Str("connection_id", c.ID).
		Str("room", key.String()).
		Int("timers", len(snap.Timers)).
		Int("scores", len(snap.Scores)).
		Msg("snapshot replayed on join")
}

// handlePublish validates, merges and fans out one event.
func (h *Hub) handlePublish(msg publish) {
	ev := msg.ev

	if ev.TournamentID == "" {
		h.rejected.Add(1)
		h.rejectToOrigin(msg.origin, ev.ID, "missing_scope", "event requires a tournament id")
		return
	}
	if !ev.Type.Known() || ev.Type == events.TypeJoinRoom || ev.Type == events.TypeLeaveRoom {
		h.rejected.Add(1)
		h.rejectToOrigin(msg.origin, ev.ID, "unknown_type", "unsupported event type "+string(ev.Type))
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = h.clock.Now()
	}

	switch ev.Type {
	case events.TypeTimerUpdate:
		if !h.mergeTimer(msg) {
			return
		}
	case events.TypeScoreUpdate:
		if !h.mergeScore(msg) {
			return
		}
	case events.TypeMatchStateChange:
		if !h.mergeMatchState(msg) {
			return
		}
	case events.TypeDisplayModeChange:
		if !h.mergeDisplay(msg) {
			return
		}
	case events.TypeAnnouncement:
		// Ephemeral: delivered once, never stored, never replayed.
	}

	h.broadcast(ev)
}

// broadcast fans the event out to every recipient in its scope. A slow or
// closed connection affects only itself.
func (h *Hub) broadcast(ev *events.Event) {
	scope := room.Key{TournamentID: ev.TournamentID, FieldID: ev.FieldID}
	recipients := h.reg.RecipientsFor(scope)
	if len(recipients) == 0 {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("event_id", ev.ID).Msg("marshal event")
		return
	}
	sent := 0
	for _, c := range recipients {
		if h.reg.Deliver(c, data) {
			sent++
		}
	}
	h.delivered.Add(uint64(sent))

	log.Debug().
		Str("event_type", string(ev.Type)).
		Str("room", scope.String()).
		Int("recipients", sent).
		Msg("event broadcast")
}

// rejectToOrigin surfaces a rejection only to the connection that sent
// the offending event. Bus- and engine-originated events have no origin;
// the rejection is just logged.
func (h *Hub) rejectToOrigin(origin *registry.Conn, eventID, code, message string) {
	log.Warn().
		Str("code", code).
		Str("event_id", eventID).
		Msg(message)
	if origin == nil {
		return
	}
	ev, err := events.New(events.TypeError, "", "", events.ErrorPayload{
		Code:    code,
		Message: message,
		EventID: eventID,
	})
	if err != nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.reg.Deliver(origin, data)
}
