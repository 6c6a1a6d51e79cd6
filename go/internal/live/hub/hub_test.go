package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/robocomp/fieldhub/go/internal/live/events"
	"github.com/robocomp/fieldhub/go/internal/live/registry"
	"github.com/robocomp/fieldhub/go/internal/live/room"
	"github.com/robocomp/fieldhub/go/internal/live/state"
)

func newTestHub(t *testing.T) (*Hub, *registry.Registry, context.CancelFunc) {
	t.Helper()
	cfg := registry.DefaultConfig()
	cfg.SendQueueDepth = 16
	reg := registry.New(cfg)
	clock := clockwork.NewFakeClock()
	h := New(reg, state.NewStore(clock), clock, time.Second, 64)
	reg.SetHandler(h)

	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	return h, reg, cancel
}

// recvEvent receives and decodes one event frame with a timeout so tests
// never hang.
func recvEvent(t *testing.T, c *registry.Conn, within time.Duration) *events.Event {
	t.Helper()
	select {
	case data, ok := <-c.Send:
		if !ok {
			t.Fatalf("send queue closed unexpectedly")
		}
		var ev events.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("malformed frame: %v", err)
		}
		return &ev
	case <-time.After(within):
		t.Fatalf("timed out waiting for event")
		return nil
	}
}

func recvNoEvent(t *testing.T, c *registry.Conn, within time.Duration) {
	t.Helper()
	select {
	case data, ok := <-c.Send:
		if !ok {
			return
		}
		t.Fatalf("expected no event, got: %s", data)
	case <-time.After(within):
	}
}

func mustEvent(t *testing.T, typ events.Type, tournamentID, fieldID string, payload interface{}) *events.Event {
	t.Helper()
	ev, err := events.New(typ, tournamentID, fieldID, payload)
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	return ev
}

func scoreUpdate(t *testing.T, tournamentID, fieldID, matchID string, fields map[string]string) *events.Event {
	t.Helper()
	raw := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		raw[k] = json.RawMessage(v)
	}
	return mustEvent(t, events.TypeScoreUpdate, tournamentID, fieldID, events.ScoreUpdatePayload{
		MatchID: matchID,
		Fields:  raw,
	})
}

func decodeSnapshot(t *testing.T, ev *events.Event) state.RoomSnapshot {
	t.Helper()
	if ev.Type != events.TypeSnapshot {
		t.Fatalf("want snapshot event, got %s", ev.Type)
	}
	var snap state.RoomSnapshot
	if err := json.Unmarshal(ev.Data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return snap
}

func TestJoinPushesSnapshotFirst(t *testing.T) {
	h, reg, cancel := newTestHub(t)
	defer cancel()

	sender := reg.Register("control")
	h.Join(sender, room.Key{TournamentID: "t1", FieldID: "f1"})
	recvEvent(t, sender, time.Second) // sender's own snapshot

	h.Publish(sender, scoreUpdate(t, "t1", "f1", "m1", map[string]string{"redTotal": "12"}))
	recvEvent(t, sender, time.Second) // delta echoed to sender's room

	screen := reg.Register("screen")
	h.Join(screen, room.Key{TournamentID: "t1", FieldID: "f1"})

	snap := decodeSnapshot(t, recvEvent(t, screen, time.Second))
	if len(snap.Scores) != 1 || string(snap.Scores[0].Fields["redTotal"]) != "12" {
		t.Fatalf("join snapshot must carry canonical state, got %+v", snap.Scores)
	}
}

func TestFieldScopedDeliveryRules(t *testing.T) {
	h, reg, cancel := newTestHub(t)
	defer cancel()

	fieldA := reg.Register("screen-a")
	fieldB := reg.Register("screen-b")
	dashboard := reg.Register("dashboard")
	h.Join(fieldA, room.Key{TournamentID: "t1", FieldID: "fA"})
	h.Join(fieldB, room.Key{TournamentID: "t1", FieldID: "fB"})
	h.Join(dashboard, room.Key{TournamentID: "t1"})
	recvEvent(t, fieldA, time.Second)
	recvEvent(t, fieldB, time.Second)
	recvEvent(t, dashboard, time.Second)

	h.Publish(fieldA, scoreUpdate(t, "t1", "fB", "m2", map[string]string{"blueTotal": "7"}))

	got := recvEvent(t, fieldB, time.Second)
	if got.Type != events.TypeScoreUpdate || got.FieldID != "fB" {
		t.Fatalf("field B screen: %+v", got)
	}
	wide := recvEvent(t, dashboard, time.Second)
	if wide.Type != events.TypeScoreUpdate {
		t.Fatalf("dashboard must see field events, got %s", wide.Type)
	}
	// fieldA sent the event but is scoped to field A only: no delivery.
	recvNoEvent(t, fieldA, 50*time.Millisecond)
}

func TestUnscopedEventRejectedOnlyToOrigin(t *testing.T) {
	h, reg, cancel := newTestHub(t)
	defer cancel()

	sender := reg.Register("control")
	other := reg.Register("screen")
	h.Join(sender, room.Key{TournamentID: "t1"})
	h.Join(other, room.Key{TournamentID: "t1"})
	recvEvent(t, sender, time.Second)
	recvEvent(t, other, time.Second)

	bad := mustEvent(t, events.TypeAnnouncement, "", "", events.AnnouncementPayload{Message: "hi"})
	h.Publish(sender, bad)

	rejection := recvEvent(t, sender, time.Second)
	if rejection.Type != events.TypeError {
		t.Fatalf("origin should get a rejection, got %s", rejection.Type)
	}
	var p events.ErrorPayload
	if err := json.Unmarshal(rejection.Data, &p); err != nil || p.Code != "missing_scope" {
		t.Fatalf("rejection payload: %+v err=%v", p, err)
	}
	recvNoEvent(t, other, 50*time.Millisecond)
}

func TestAnnouncementIsEphemeral(t *testing.T) {
	h, reg, cancel := newTestHub(t)
	defer cancel()

	sender := reg.Register("control")
	h.Join(sender, room.Key{TournamentID: "t1"})
	recvEvent(t, sender, time.Second)

	h.Publish(sender, mustEvent(t, events.TypeAnnouncement, "t1", "", events.AnnouncementPayload{
		Message:    "match delayed",
		DurationMs: 5000,
	}))
	recvEvent(t, sender, time.Second) // delivered once

	// A later joiner must not see the announcement replayed.
	late := reg.Register("late-screen")
	h.Join(late, room.Key{TournamentID: "t1"})
	snap := decodeSnapshot(t, recvEvent(t, late, time.Second))
	if len(snap.Scores) != 0 || len(snap.Timers) != 0 {
		t.Fatalf("unexpected state in snapshot: %+v", snap)
	}
	recvNoEvent(t, late, 50*time.Millisecond)
}

func TestDisplayUpdateBroadcastsCanonicalSettings(t *testing.T) {
	h, reg, cancel := newTestHub(t)
	defer cancel()

	sender := reg.Register("control")
	h.Join(sender, room.Key{TournamentID: "t1"})
	recvEvent(t, sender, time.Second)

	mode := "match"
	h.Publish(sender, mustEvent(t, events.TypeDisplayModeChange, "t1", "", events.DisplayModeChangePayload{
		DisplayMode: &mode,
		UpdatedAt:   12345, // sender clock, must not be trusted
	}))
	first := recvEvent(t, sender, time.Second)
	var d1 state.DisplaySettings
	if err := json.Unmarshal(first.Data, &d1); err != nil {
		t.Fatalf("decode display: %v", err)
	}

	msg := "halftime"
	h.Publish(sender, mustEvent(t, events.TypeDisplayModeChange, "t1", "", events.DisplayModeChangePayload{
		Message:   &msg,
		UpdatedAt: 12345, // identical client timestamp
	}))
	second := recvEvent(t, sender, time.Second)
	var d2 state.DisplaySettings
	if err := json.Unmarshal(second.Data, &d2); err != nil {
		t.Fatalf("decode display: %v", err)
	}

	if d2.UpdatedAt <= d1.UpdatedAt {
		t.Fatalf("updated_at must strictly increase: %d then %d", d1.UpdatedAt, d2.UpdatedAt)
	}
	if d2.DisplayMode != "match" || d2.Message == nil || *d2.Message != "halftime" {
		t.Fatalf("recipients must see merged canonical settings: %+v", d2)
	}
}

func TestReconnectReplaysCanonicalState(t *testing.T) {
	h, reg, cancel := newTestHub(t)
	defer cancel()

	key := room.Key{TournamentID: "t1", FieldID: "f1"}
	screen := reg.Register("screen")
	h.Join(screen, key)
	recvEvent(t, screen, time.Second)

	// The engine reports the countdown paused at 90s remaining.
	engineEv := mustEvent(t, events.TypeTimerUpdate, "t1", "f1", events.TimerUpdatePayload{
		MatchID:     "m1",
		DurationMs:  120000,
		RemainingMs: 90000,
		Running:     false,
	})
	h.PublishLocal(engineEv)
	recvEvent(t, screen, time.Second)

	// Disconnect, then rejoin on a fresh connection.
	reg.Unregister(screen)
	again := reg.Register("screen")
	h.Join(again, key)

	snap := decodeSnapshot(t, recvEvent(t, again, time.Second))
	if len(snap.Timers) != 1 {
		t.Fatalf("snapshot missing timer state: %+v", snap)
	}
	ts := snap.Timers[0]
	if ts.RemainingMs != 90000 || ts.Running {
		t.Fatalf("reconnect must recover last canonical state, got %+v", ts)
	}
}

func TestPerKeyOrderingPreserved(t *testing.T) {
	h, reg, cancel := newTestHub(t)
	defer cancel()

	sender := reg.Register("control")
	screen := reg.Register("screen")
	h.Join(sender, room.Key{TournamentID: "t1", FieldID: "f1"})
	h.Join(screen, room.Key{TournamentID: "t1", FieldID: "f1"})
	recvEvent(t, sender, time.Second)
	recvEvent(t, screen, time.Second)

	totals := []string{"3", "8", "15"}
	for _, v := range totals {
		h.Publish(sender, scoreUpdate(t, "t1", "f1", "m1", map[string]string{"redTotal": v}))
	}

	for i, want := range totals {
		got := recvEvent(t, screen, time.Second)
		var p events.ScoreUpdatePayload
		if err := json.Unmarshal(got.Data, &p); err != nil {
			t.Fatalf("decode delta %d: %v", i, err)
		}
		if string(p.Fields["redTotal"]) != want {
			t.Fatalf("delivery order broken at %d: got %s, want %s", i, p.Fields["redTotal"], want)
		}
	}
}

func TestExternalTimerCommandDrivesEngine(t *testing.T) {
	h, reg, cancel := newTestHub(t)
	defer cancel()

	sender := reg.Register("control")
	h.Join(sender, room.Key{TournamentID: "t1", FieldID: "f1"})
	recvEvent(t, sender, time.Second)

	h.Publish(sender, mustEvent(t, events.TypeTimerUpdate, "t1", "f1", events.TimerUpdatePayload{
		MatchID:    "m1",
		DurationMs: 150000,
		Running:    true,
		Action:     events.TimerActionStart,
	}))

	// The command itself is not broadcast; the engine's authoritative
	// update is.
	got := recvEvent(t, sender, time.Second)
	if got.Type != events.TypeTimerUpdate {
		t.Fatalf("want timer_update from engine, got %s", got.Type)
	}
	var p events.TimerUpdatePayload
	if err := json.Unmarshal(got.Data, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !p.Running || p.RemainingMs != 150000 || p.Action != "" {
		t.Fatalf("engine update: %+v", p)
	}
}

func TestSnapshotForReadsThroughLoop(t *testing.T) {
	h, reg, cancel := newTestHub(t)
	defer cancel()

	sender := reg.Register("control")
	h.Join(sender, room.Key{TournamentID: "t1", FieldID: "f1"})
	recvEvent(t, sender, time.Second)
	h.Publish(sender, scoreUpdate(t, "t1", "f1", "m1", map[string]string{"redTotal": "4"}))
	recvEvent(t, sender, time.Second)

	ctx, timeout := context.WithTimeout(context.Background(), time.Second)
	defer timeout()
	snap, err := h.SnapshotFor(ctx, room.Key{TournamentID: "t1", FieldID: "f1"})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Scores) != 1 || string(snap.Scores[0].Fields["redTotal"]) != "4" {
		t.Fatalf("snapshot content: %+v", snap.Scores)
	}
}
