// Package state holds the canonical last-known state per logical key:
// score snapshots per match, countdown state per field timer, and display
// settings per tournament. All merges happen here; the rest of the hub
// only reads.
package state

import (
	"encoding/json"
	"time"

	"github.com/robocomp/fieldhub/go/internal/live/room"
)

// TimerKey identifies one countdown: a match running on a field.
type TimerKey struct {
	TournamentID string
	FieldID      string
	MatchID      string
}

// TimerState is the last-known countdown state for one timer key.
// Invariant: 0 <= RemainingMs <= DurationMs.
type TimerState struct {
	MatchID     string    `json:"match_id"`
	FieldID     string    `json:"field_id,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
	RemainingMs int64     `json:"remaining_ms"`
	Running     bool      `json:"running"`
	LastTickAt  time.Time `json:"last_tick_at,omitempty"`
}

// ScoreSnapshot is the canonical per-match score: named fields mapped to
// their last-known values. Fields are individually last-writer-wins; a
// field absent from an update is left untouched.
type ScoreSnapshot struct {
	MatchID string                     `json:"match_id"`
	Fields  map[string]json.RawMessage `json:"fields"`
}

// clone returns a copy the caller may hand out without exposing the
// store's internal map.
func (s *ScoreSnapshot) clone() ScoreSnapshot {
	fields := make(map[string]json.RawMessage, len(s.Fields))
	for k, v := range s.Fields {
		fields[k] = v
	}
	return ScoreSnapshot{MatchID: s.MatchID, Fields: fields}
}

// MatchState is the last announced status of a match, kept so screens
// that reconnect mid-match recover the current period label.
type MatchState struct {
	MatchID       string `json:"match_id"`
	Status        string `json:"status"`
	CurrentPeriod string `json:"current_period,omitempty"`
}

// DisplaySettings is the single active display snapshot per tournament.
// UpdatedAt is a unix-millisecond stamp the store forces strictly upward
// on every merge, regardless of the sender's clock.
type DisplaySettings struct {
	DisplayMode string          `json:"display_mode"`
	MatchID     *string         `json:"match_id"`
	Flags       map[string]bool `json:"flags,omitempty"`
	Message     *string         `json:"message"`
	UpdatedAt   int64           `json:"updated_at"`
}

func (d *DisplaySettings) clone() DisplaySettings {
	out := *d
	out.Flags = make(map[string]bool, len(d.Flags))
	for k, v := range d.Flags {
		out.Flags[k] = v
	}
	if d.MatchID != nil {
		v := *d.MatchID
		out.MatchID = &v
	}
	if d.Message != nil {
		v := *d.Message
		out.Message = &v
	}
	return out
}

// DisplayUpdate is a partial update to DisplaySettings. Nil pointers mean
// "no change"; Flags are merged key by key.
type DisplayUpdate struct {
	DisplayMode *string
	MatchID     *string
	Flags       map[string]bool
	Message     *string
}

// RoomSnapshot is the full canonical state visible from one room,
// pushed to clients on join and reconnect.
type RoomSnapshot struct {
	Room    room.Key         `json:"-"`
	Timers  []TimerState     `json:"timers"`
	Scores  []ScoreSnapshot  `json:"scores"`
	Matches []MatchState     `json:"matches"`
	Display *DisplaySettings `json:"display,omitempty"`
}
