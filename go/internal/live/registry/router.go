package registry

import "github.com/robocomp/fieldhub/go/internal/live/room"

// RecipientsFor resolves which connections should receive an event with
// the given scope.
//
// Field-scoped events go to the field room plus tournament-wide
// subscribers, except tournament-wide subscribers that have explicitly
// scoped themselves to a different field: a screen pinned to field A must
// not see field B's tick stream. Tournament-wide events reach every
// connection holding any room under that tournament.
func (r *Registry) RecipientsFor(scope room.Key) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[*Conn]struct{})

	if scope.TournamentWide() {
		for key, members := range r.rooms {
			if key.TournamentID != scope.TournamentID {
				continue
			}
			for c := range members {
				seen[c] = struct{}{}
			}
		}
	} else {
		for c := range r.rooms[scope] {
			seen[c] = struct{}{}
		}
		for c := range r.rooms[scope.Tournament()] {
			if r.scopedToOtherFieldLocked(c, scope) {
				continue
			}
			seen[c] = struct{}{}
		}
	}

	out := make([]*Conn, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	return out
}

// scopedToOtherFieldLocked reports whether c holds a field room under
// scope's tournament for a different field, without holding the event's
// own field room.
func (r *Registry) scopedToOtherFieldLocked(c *Conn, scope room.Key) bool {
	held := r.byConn[c]
	if _, onField := held[scope]; onField {
		return false
	}
	for key := range held {
		if key.TournamentID == scope.TournamentID && !key.TournamentWide() {
			return true
		}
	}
	return false
}
