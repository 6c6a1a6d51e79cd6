// Package room defines the scoping key used to filter event delivery.
// A room is either a whole tournament or one physical field within it.
package room

import "fmt"

// Key identifies a room. An empty FieldID means the tournament-wide room,
// which global dashboards join to see every field at once.
type Key struct {
	TournamentID string
	FieldID      string
}

// Tournament returns the tournament-wide key for k's tournament.
func (k Key) Tournament() Key {
	return Key{TournamentID: k.TournamentID}
}

// TournamentWide reports whether k addresses the whole tournament.
func (k Key) TournamentWide() bool {
	return k.FieldID == ""
}

// Valid reports whether k carries the mandatory tournament scope.
func (k Key) Valid() bool {
	return k.TournamentID != ""
}

func (k Key) String() string {
	if k.FieldID == "" {
		return k.TournamentID
	}
	return fmt.Sprintf("%s/%s", k.TournamentID, k.FieldID)
}

// Covers reports whether state scoped to `scope` is visible inside room k:
// tournament-wide rooms see everything under their tournament, field rooms
// see their own field plus tournament-wide state.
func (k Key) Covers(scope Key) bool {
	if k.TournamentID != scope.TournamentID {
		return false
	}
	if k.TournamentWide() || scope.TournamentWide() {
		return true
	}
	return k.FieldID == scope.FieldID
}
