package hub

import (
	"encoding/json"
	"time"

	"github.com/robocomp/fieldhub/go/internal/live/events"
	"github.com/robocomp/fieldhub/go/internal/live/room"
	"github.com/robocomp/fieldhub/go/internal/live/state"
	"github.com/robocomp/fieldhub/go/internal/live/timer"
)

// mergeTimer handles a timer_update. Updates emitted by the engine are
// authoritative countdown state and merge straight into the store.
// Updates from an external sender are control commands: they drive the
// engine, which then emits the authoritative update itself, so the
// original command is not broadcast. Returns whether to fan the event out.
func (h *Hub) mergeTimer(msg publish) bool {
	var p events.TimerUpdatePayload
	if err := json.Unmarshal(msg.ev.Data, &p); err != nil {
		h.rejected.Add(1)
		h.rejectToOrigin(msg.origin, msg.ev.ID, "bad_payload", "malformed timer_update payload")
		return false
	}
	if p.MatchID == "" {
		h.rejected.Add(1)
		h.rejectToOrigin(msg.origin, msg.ev.ID, "bad_payload", "timer_update requires a match id")
		return false
	}

	if msg.fromEngine {
		key := state.TimerKey{
			TournamentID: msg.ev.TournamentID,
			FieldID:      msg.ev.FieldID,
			MatchID:      p.MatchID,
		}
		h.store.SetTimer(key, state.TimerState{
			MatchID:     p.MatchID,
			FieldID:     msg.ev.FieldID,
			DurationMs:  p.DurationMs,
			RemainingMs: p.RemainingMs,
			Running:     p.Running,
			LastTickAt:  p.TickedAt,
		})
		return true
	}

	key := timer.Key{
		TournamentID: msg.ev.TournamentID,
		FieldID:      msg.ev.FieldID,
		MatchID:      p.MatchID,
	}
	duration := time.Duration(p.DurationMs) * time.Millisecond

	action := p.Action
	if action == "" {
		// Older control stations send only the running flag.
		if p.Running {
			action = events.TimerActionStart
		} else if p.RemainingMs == p.DurationMs {
			action = events.TimerActionReset
		} else {
			action = events.TimerActionPause
		}
	}

	switch action {
	case events.TimerActionStart:
		h.engine.Start(key, duration)
	case events.TimerActionPause:
		h.engine.Pause(key)
	case events.TimerActionReset:
		h.engine.Reset(key, duration)
	default:
		h.rejected.Add(1)
		h.rejectToOrigin(msg.origin, msg.ev.ID, "bad_payload", "unknown timer action "+action)
	}
	return false
}

// mergeScore merges a partial score delta into the match's canonical
// snapshot. The delta itself is what gets broadcast; late joiners recover
// the full snapshot from reconciliation.
func (h *Hub) mergeScore(msg publish) bool {
	var p events.ScoreUpdatePayload
	if err := json.Unmarshal(msg.ev.Data, &p); err != nil {
		h.rejected.Add(1)
		h.rejectToOrigin(msg.origin, msg.ev.ID, "bad_payload", "malformed score_update payload")
		return false
	}
	if p.MatchID == "" {
		h.rejected.Add(1)
		h.rejectToOrigin(msg.origin, msg.ev.ID, "bad_payload", "score_update requires a match id")
		return false
	}
	scope := room.Key{TournamentID: msg.ev.TournamentID, FieldID: msg.ev.FieldID}
	h.store.MergeScore(scope, p.MatchID, p.Fields)
	return true
}

func (h *Hub) mergeMatchState(msg publish) bool {
	var p events.MatchStateChangePayload
	if err := json.Unmarshal(msg.ev.Data, &p); err != nil {
		h.rejected.Add(1)
		h.rejectToOrigin(msg.origin, msg.ev.ID, "bad_payload", "malformed match_state_change payload")
		return false
	}
	if p.MatchID == "" {
		h.rejected.Add(1)
		h.rejectToOrigin(msg.origin, msg.ev.ID, "bad_payload", "match_state_change requires a match id")
		return false
	}
	scope := room.Key{TournamentID: msg.ev.TournamentID, FieldID: msg.ev.FieldID}
	h.store.SetMatchState(scope, state.MatchState{
		MatchID:       p.MatchID,
		Status:        p.Status,
		CurrentPeriod: p.CurrentPeriod,
	})
	return true
}

// mergeDisplay merges a partial display update and rewrites the outgoing
// event with the canonical merged settings, so every recipient sees the
// store's corrected, strictly monotonic UpdatedAt rather than the
// sender's wall clock.
func (h *Hub) mergeDisplay(msg publish) bool {
	var p events.DisplayModeChangePayload
	if err := json.Unmarshal(msg.ev.Data, &p); err != nil {
		h.rejected.Add(1)
		h.rejectToOrigin(msg.origin, msg.ev.ID, "bad_payload", "malformed display_mode_change payload")
		return false
	}
	merged := h.store.SetDisplay(msg.ev.TournamentID, state.DisplayUpdate{
		DisplayMode: p.DisplayMode,
		MatchID:     p.MatchID,
		Flags:       p.Flags,
		Message:     p.Message,
	})
	data, err := json.Marshal(merged)
	if err != nil {
		return false
	}
	msg.ev.Data = data
	msg.ev.FieldID = "" // display settings are tournament-wide
	return true
}
