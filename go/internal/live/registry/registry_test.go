package registry

import (
	"testing"

	"github.com/robocomp/fieldhub/go/internal/live/room"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SendQueueDepth = 4
	return cfg
}

func containsConn(conns []*Conn, c *Conn) bool {
	for _, x := range conns {
		if x == c {
			return true
		}
	}
	return false
}

func TestJoinIsIdempotent(t *testing.T) {
	r := New(testConfig())
	c := r.Register("screen-1")
	key := room.Key{TournamentID: "t1", FieldID: "f1"}

	r.Join(c, key)
	r.Join(c, key)

	if got := len(r.MembersOf(key)); got != 1 {
		t.Fatalf("duplicate join should be a no-op, got %d members", got)
	}
	if got := len(r.Rooms(c)); got != 1 {
		t.Fatalf("connection should hold one room, got %d", got)
	}
}

func TestLeaveUnheldRoomIsNoop(t *testing.T) {
	r := New(testConfig())
	c := r.Register("screen-1")

	r.Leave(c, room.Key{TournamentID: "t1", FieldID: "f1"}) // never joined

	if got := len(r.Rooms(c)); got != 0 {
		t.Fatalf("rooms after stray leave: %d", got)
	}
}

func TestUnregisterRemovesAllMemberships(t *testing.T) {
	r := New(testConfig())
	c := r.Register("screen-1")
	k1 := room.Key{TournamentID: "t1", FieldID: "f1"}
	k2 := room.Key{TournamentID: "t1"}
	r.Join(c, k1)
	r.Join(c, k2)

	r.Unregister(c)

	if len(r.MembersOf(k1)) != 0 || len(r.MembersOf(k2)) != 0 {
		t.Fatal("memberships survived unregister")
	}

	// A disconnect race is expected, not exceptional: everything after
	// unregister is silently ignored.
	r.Unregister(c)
	r.Join(c, k1)
	r.Leave(c, k1)
	if len(r.MembersOf(k1)) != 0 {
		t.Fatal("join after unregister should be ignored")
	}
	if r.Deliver(c, []byte("x")) {
		t.Fatal("deliver to unregistered connection should report false")
	}
}

func TestDeliverDropsOldestWhenQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.SendQueueDepth = 2
	r := New(cfg)
	c := r.Register("slow-screen")

	r.Deliver(c, []byte("a"))
	r.Deliver(c, []byte("b"))
	r.Deliver(c, []byte("c")) // queue full: "a" is sacrificed

	if got := string(<-c.Send); got != "b" {
		t.Fatalf("oldest frame should be dropped first, got %q", got)
	}
	if got := string(<-c.Send); got != "c" {
		t.Fatalf("newest frame must survive, got %q", got)
	}
	if r.Stats().DroppedFrames != 1 {
		t.Fatalf("dropped frames counter = %d, want 1", r.Stats().DroppedFrames)
	}
}

func TestRecipientsFor_FieldScopedEvent(t *testing.T) {
	r := New(testConfig())
	fieldA := r.Register("screen-fieldA")
	fieldB := r.Register("screen-fieldB")
	dashboard := r.Register("dashboard")
	pinnedB := r.Register("dashboard-pinned-B")

	r.Join(fieldA, room.Key{TournamentID: "t1", FieldID: "fA"})
	r.Join(fieldB, room.Key{TournamentID: "t1", FieldID: "fB"})
	r.Join(dashboard, room.Key{TournamentID: "t1"})
	r.Join(pinnedB, room.Key{TournamentID: "t1"})
	r.Join(pinnedB, room.Key{TournamentID: "t1", FieldID: "fB"})

	got := r.RecipientsFor(room.Key{TournamentID: "t1", FieldID: "fA"})

	if !containsConn(got, fieldA) {
		t.Error("field A screen must receive its own field's events")
	}
	if containsConn(got, fieldB) {
		t.Error("field B screen must not see cross-field noise")
	}
	if !containsConn(got, dashboard) {
		t.Error("tournament-wide dashboard must receive field events")
	}
	if containsConn(got, pinnedB) {
		t.Error("wide subscriber pinned to another field must be excluded")
	}
}

func TestRecipientsFor_TournamentWideEvent(t *testing.T) {
	r := New(testConfig())
	fieldA := r.Register("screen-fieldA")
	dashboard := r.Register("dashboard")
	outsider := r.Register("other-tournament")

	r.Join(fieldA, room.Key{TournamentID: "t1", FieldID: "fA"})
	r.Join(dashboard, room.Key{TournamentID: "t1"})
	r.Join(outsider, room.Key{TournamentID: "t2"})

	got := r.RecipientsFor(room.Key{TournamentID: "t1"})

	if !containsConn(got, fieldA) || !containsConn(got, dashboard) {
		t.Error("a tournament-wide event reaches everyone in the tournament")
	}
	if containsConn(got, outsider) {
		t.Error("recipients leaked across tournaments")
	}
	if len(got) != 2 {
		t.Errorf("want 2 recipients, got %d", len(got))
	}
}

func TestRecipientsFor_MemberOfBothRoomsCountedOnce(t *testing.T) {
	r := New(testConfig())
	c := r.Register("screen")
	r.Join(c, room.Key{TournamentID: "t1"})
	r.Join(c, room.Key{TournamentID: "t1", FieldID: "fA"})

	got := r.RecipientsFor(room.Key{TournamentID: "t1", FieldID: "fA"})
	if len(got) != 1 {
		t.Fatalf("connection in both rooms must be deduplicated, got %d", len(got))
	}
}
