package state

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/robocomp/fieldhub/go/internal/live/room"
)

// Store owns all canonical hub state. Mutation happens only from the
// hub's event loop, one merge at a time; the lock exists for the
// read-side (stats, tests) and keeps SnapshotFor a consistent
// point-in-time read.
type Store struct {
	mu    sync.RWMutex
	clock clockwork.Clock

	scores   map[string]*ScoreSnapshot // matchID -> snapshot
	matches  map[string]*MatchState    // matchID -> last announced state
	scopes   map[string]room.Key       // matchID -> scope of its events
	timers   map[TimerKey]*TimerState
	displays map[string]*DisplaySettings // tournamentID -> settings
}

// NewStore creates an empty store. Pass clockwork.NewRealClock() in
// production; tests use a FakeClock to pin UpdatedAt stamps.
func NewStore(clock clockwork.Clock) *Store {
	return &Store{
		clock:    clock,
		scores:   make(map[string]*ScoreSnapshot),
		matches:  make(map[string]*MatchState),
		scopes:   make(map[string]room.Key),
		timers:   make(map[TimerKey]*TimerState),
		displays: make(map[string]*DisplaySettings),
	}
}

// MergeScore merges a partial score update into the match's canonical
// snapshot and returns the new snapshot. Only fields present in the
// update are touched: last-writer-wins per field, not per snapshot, so
// out-of-order deltas on unrelated fields never clobber each other.
func (s *Store) MergeScore(scope room.Key, matchID string, fields map[string]json.RawMessage) ScoreSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.scores[matchID]
	if snap == nil {
		snap = &ScoreSnapshot{MatchID: matchID, Fields: make(map[string]json.RawMessage)}
		s.scores[matchID] = snap
	}
	for k, v := range fields {
		snap.Fields[k] = v
	}
	s.scopes[matchID] = scope
	return snap.clone()
}

// SetMatchState records the last announced status for a match.
func (s *Store) SetMatchState(scope room.Key, ms MatchState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := ms
	s.matches[ms.MatchID] = &v
	s.scopes[ms.MatchID] = scope
}

// SetTimer replaces the canonical countdown state for a timer key.
func (s *Store) SetTimer(key TimerKey, ts TimerState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := ts
	s.timers[key] = &v
}

// Timer returns the last-known countdown state for a key.
func (s *Store) Timer(key TimerKey) (TimerState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ts, ok := s.timers[key]
	if !ok {
		return TimerState{}, false
	}
	return *ts, true
}

// DropTimer removes a timer's canonical state when its session ends.
func (s *Store) DropTimer(key TimerKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, key)
}

// SetDisplay merges a partial display update for a tournament and returns
// the new canonical settings. UpdatedAt is stamped with
// max(now, previous+1) so it is strictly monotonic even under sender
// clock skew or two updates inside the same millisecond.
func (s *Store) SetDisplay(tournamentID string, upd DisplayUpdate) DisplaySettings {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.displays[tournamentID]
	if d == nil {
		d = &DisplaySettings{Flags: make(map[string]bool)}
		s.displays[tournamentID] = d
	}
	if upd.DisplayMode != nil {
		d.DisplayMode = *upd.DisplayMode
	}
	if upd.MatchID != nil {
		if *upd.MatchID == "" {
			d.MatchID = nil
		} else {
			v := *upd.MatchID
			d.MatchID = &v
		}
	}
	for k, v := range upd.Flags {
		d.Flags[k] = v
	}
	if upd.Message != nil {
		if *upd.Message == "" {
			d.Message = nil
		} else {
			v := *upd.Message
			d.Message = &v
		}
	}

	now := s.clock.Now().UnixMilli()
	if now <= d.UpdatedAt {
		now = d.UpdatedAt + 1
	}
	d.UpdatedAt = now
	return d.clone()
}

// Display returns the active display settings for a tournament.
func (s *Store) Display(tournamentID string) (DisplaySettings, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.displays[tournamentID]
	if !ok {
		return DisplaySettings{}, false
	}
	return d.clone(), true
}

// SnapshotFor returns the canonical state visible from one room: every
// timer, score and match state whose scope the room covers, plus the
// tournament's display settings. The read is taken under one lock hold,
// so it is consistent with respect to concurrent merges.
func (s *Store) SnapshotFor(key room.Key) RoomSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := RoomSnapshot{
		Room:    key,
		Timers:  []TimerState{},
		Scores:  []ScoreSnapshot{},
		Matches: []MatchState{},
	}

	for tk, ts := range s.timers {
		if key.Covers(room.Key{TournamentID: tk.TournamentID, FieldID: tk.FieldID}) {
			snap.Timers = append(snap.Timers, *ts)
		}
	}
	for matchID, sc := range s.scores {
		if key.Covers(s.scopes[matchID]) {
			snap.Scores = append(snap.Scores, sc.clone())
		}
	}
	for matchID, ms := range s.matches {
		if key.Covers(s.scopes[matchID]) {
			snap.Matches = append(snap.Matches, *ms)
		}
	}
	if d, ok := s.displays[key.TournamentID]; ok {
		clone := d.clone()
		snap.Display = &clone
	}

	// Stable order so reconnect payloads are deterministic.
	sort.Slice(snap.Timers, func(i, j int) bool { return snap.Timers[i].MatchID < snap.Timers[j].MatchID })
	sort.Slice(snap.Scores, func(i, j int) bool { return snap.Scores[i].MatchID < snap.Scores[j].MatchID })
	sort.Slice(snap.Matches, func(i, j int) bool { return snap.Matches[i].MatchID < snap.Matches[j].MatchID })

	return snap
}
