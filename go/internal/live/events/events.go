package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope for everything that crosses the hub: commands
// received from a control station, timer ticks emitted by the engine, and
// snapshots pushed to a joining screen. TournamentID is the mandatory
// scope; FieldID narrows the event to one physical field when set.
type Event struct {
	ID           string          `json:"id"`
	Type         Type            `json:"type"`
	TournamentID string          `json:"tournament_id"`
	FieldID      string          `json:"field_id,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// Type identifies the kind of event carried in the envelope.
type Type string

const (
	// Client commands carried over the socket.
	TypeJoinRoom  Type = "join_room"
	TypeLeaveRoom Type = "leave_room"

	// Broadcast events.
	TypeTimerUpdate       Type = "timer_update"
	TypeScoreUpdate       Type = "score_update"
	TypeMatchStateChange  Type = "match_state_change"
	TypeDisplayModeChange Type = "display_mode_change"
	TypeAnnouncement      Type = "announcement"

	// Hub-originated events for a single connection.
	TypeSnapshot Type = "snapshot"
	TypeError    Type = "error"
)

// StateBearing reports whether events of this type are merged into the
// canonical state store before fan-out. Announcements are ephemeral: they
// are delivered once and never replayed.
func (t Type) StateBearing() bool {
	switch t {
	case TypeTimerUpdate, TypeScoreUpdate, TypeMatchStateChange, TypeDisplayModeChange:
		return true
	}
	return false
}

// Known reports whether t is an event type the hub accepts from a sender.
func (t Type) Known() bool {
	switch t {
	case TypeJoinRoom, TypeLeaveRoom, TypeTimerUpdate, TypeScoreUpdate,
		TypeMatchStateChange, TypeDisplayModeChange, TypeAnnouncement:
		return true
	}
	return false
}

// New builds a stamped event envelope around the given payload.
func New(t Type, tournamentID, fieldID string, payload interface{}) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:           uuid.New().String(),
		Type:         t,
		TournamentID: tournamentID,
		FieldID:      fieldID,
		Timestamp:    time.Now(),
		Data:         data,
	}, nil
}
