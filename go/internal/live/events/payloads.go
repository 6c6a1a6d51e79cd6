package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Timer control actions carried in a timer_update sent by a control
// station. Updates emitted by the timer engine itself leave Action empty.
const (
	TimerActionStart = "start"
	TimerActionPause = "pause"
	TimerActionReset = "reset"
)

// TimerUpdatePayload carries the state of one match countdown.
type TimerUpdatePayload struct {
	MatchID     string    `json:"match_id"`
	DurationMs  int64     `json:"duration_ms"`
	RemainingMs int64     `json:"remaining_ms"`
	Running     bool      `json:"running"`
	Action      string    `json:"action,omitempty"`
	TickedAt    time.Time `json:"ticked_at,omitempty"`
}

// ScoreUpdatePayload carries a partial score delta for one match. Fields
// holds only the score fields the sender is changing; a field absent from
// the map means "no change", never "zero".
type ScoreUpdatePayload struct {
	MatchID string                     `json:"match_id"`
	Fields  map[string]json.RawMessage `json:"fields"`
}

// MatchStateChangePayload announces a match status transition.
type MatchStateChangePayload struct {
	MatchID       string `json:"match_id"`
	Status        string `json:"status"`
	CurrentPeriod string `json:"current_period,omitempty"`
}

// DisplayModeChangePayload is a partial update to a tournament's audience
// display settings. Pointer fields that are nil are left unchanged; an
// explicit empty MatchID clears the featured match.
type DisplayModeChangePayload struct {
	DisplayMode *string         `json:"display_mode,omitempty"`
	MatchID     *string         `json:"match_id,omitempty"`
	Flags       map[string]bool `json:"flags,omitempty"`
	Message     *string         `json:"message,omitempty"`
	UpdatedAt   int64           `json:"updated_at,omitempty"`
}

// AnnouncementPayload is an ephemeral operator message. DurationMs is how
// long the client should keep it on screen; the hub does not track it.
type AnnouncementPayload struct {
	Message    string `json:"message"`
	DurationMs int64  `json:"duration_ms"`
}

// ErrorPayload is sent only to the connection whose event was rejected.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	EventID string `json:"event_id,omitempty"`
}

// ParsePayload decodes the event data into the payload struct for its type.
func ParsePayload(ev *Event) (interface{}, error) {
	switch ev.Type {
	case TypeTimerUpdate:
		var p TimerUpdatePayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case TypeScoreUpdate:
		var p ScoreUpdatePayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case TypeMatchStateChange:
		var p MatchStateChangePayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case TypeDisplayModeChange:
		var p DisplayModeChangePayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case TypeAnnouncement:
		var p AnnouncementPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case TypeError:
		var p ErrorPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return nil, err
		}
		return p, nil

	default:
		return nil, fmt.Errorf("no payload for event type %q", ev.Type)
	}
}
