// Package timer runs the per-field match countdowns. The engine is the
// only process that decrements remaining time; control stations only ask
// it to start, pause or reset, and every screen observes the resulting
// tick stream through the broadcaster like any other event.
package timer

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/robocomp/fieldhub/go/internal/live/events"
)

// Key identifies one countdown: a match running on a field.
type Key struct {
	TournamentID string
	FieldID      string
	MatchID      string
}

// Phase is the state machine position for one countdown.
type Phase int

const (
	Idle Phase = iota
	Running
	Paused
	Expired
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Expired:
		return "expired"
	}
	return "unknown"
}

// Publisher is where the engine emits timer_update events. The hub
// implements it; the engine never talks to connections directly.
type Publisher interface {
	PublishLocal(ev *events.Event)
}

// Snapshot is a read-only view of one countdown.
type Snapshot struct {
	Phase       Phase
	DurationMs  int64
	RemainingMs int64
	LastTickAt  time.Time
}

type run struct {
	phase       Phase
	durationMs  int64
	remainingMs int64
	lastTickAt  time.Time

	// gen increments on every start/pause/reset so a tick that fires
	// after its run was logically cancelled is discarded, never applied.
	gen    uint64
	cancel chan struct{}
}

// Engine drives every countdown for a hub instance.
type Engine struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	pub      Publisher
	interval time.Duration
	runs     map[Key]*run
}

// NewEngine creates an engine ticking at the given interval. Production
// uses clockwork.NewRealClock() and a one second interval.
func NewEngine(clock clockwork.Clock, pub Publisher, interval time.Duration) *Engine {
	return &Engine{
		clock:    clock,
		pub:      pub,
		interval: interval,
		runs:     make(map[Key]*run),
	}
}

// Start moves a countdown to Running.
//
// Idle: begins a fresh countdown of the given duration. Paused with the
// same duration: resumes from the frozen remaining time. A different
// duration restarts cleanly. Starting an already-Running countdown with
// the same duration is a no-op; Expired stays terminal until Reset.
func (e *Engine) Start(k Key, duration time.Duration) {
	durMs := duration.Milliseconds()

	e.mu.Lock()
	r := e.runs[k]
	if r == nil {
		r = &run{phase: Idle, durationMs: durMs, remainingMs: durMs}
		e.runs[k] = r
	}

	switch r.phase {
	case Running:
		if r.durationMs == durMs {
			e.mu.Unlock()
			return
		}
		e.cancelLocked(r)
		r.durationMs = durMs
		r.remainingMs = durMs
	case Expired:
		e.mu.Unlock()
		log.Warn().
			Str("match_id", k.MatchID).
			Str("field_id", k.FieldID).
			Msg("start ignored for expired timer, reset first")
		return
	case Paused:
		if r.durationMs != durMs {
			r.durationMs = durMs
			r.remainingMs = durMs
		}
	case Idle:
		r.durationMs = durMs
		r.remainingMs = durMs
	}

	r.phase = Running
	r.lastTickAt = e.clock.Now()
	r.gen++
	r.cancel = make(chan struct{})
	gen, cancel := r.gen, r.cancel
	snap := e.snapshotLocked(r)
	e.mu.Unlock()

	go e.tickLoop(k, gen, cancel)
	e.emit(k, snap)

	log.Info().
		Str("match_id", k.MatchID).
		Str("field_id", k.FieldID).
		Dur("duration", duration).
		Msg("timer started")
}

// Pause freezes a running countdown at its last computed remaining time
// and cancels the tick schedule. Pausing anything but Running is a no-op.
func (e *Engine) Pause(k Key) {
	e.mu.Lock()
	r := e.runs[k]
	if r == nil || r.phase != Running {
		e.mu.Unlock()
		return
	}
	e.cancelLocked(r)
	r.phase = Paused
	snap := e.snapshotLocked(r)
	e.mu.Unlock()

	e.emit(k, snap)

	log.Info().
		Str("match_id", k.MatchID).
		Str("field_id", k.FieldID).
		Int64("remaining_ms", snap.RemainingMs).
		Msg("timer paused")
}

// Reset cancels any schedule and returns the countdown to Idle with the
// full duration restored. Valid from any state.
func (e *Engine) Reset(k Key, duration time.Duration) {
	durMs := duration.Milliseconds()

	e.mu.Lock()
	r := e.runs[k]
	if r == nil {
		r = &run{}
		e.runs[k] = r
	}
	e.cancelLocked(r)
	r.phase = Idle
	r.durationMs = durMs
	r.remainingMs = durMs
	r.lastTickAt = time.Time{}
	snap := e.snapshotLocked(r)
	e.mu.Unlock()

	e.emit(k, snap)

	log.Info().
		Str("match_id", k.MatchID).
		Str("field_id", k.FieldID).
		Dur("duration", duration).
		Msg("timer reset")
}

// Remove destroys a countdown when its field session ends.
func (e *Engine) Remove(k Key) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if r := e.runs[k]; r != nil {
		e.cancelLocked(r)
		delete(e.runs, k)
	}
}

// State returns a read-only view of one countdown.
func (e *Engine) State(k Key) (Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r := e.runs[k]
	if r == nil {
		return Snapshot{}, false
	}
	return e.snapshotLocked(r), true
}

// cancelLocked invalidates the current schedule: the generation bump makes
// any in-flight tick stale, and closing cancel stops the loop goroutine.
func (e *Engine) cancelLocked(r *run) {
	r.gen++
	if r.cancel != nil {
		close(r.cancel)
		r.cancel = nil
	}
}

func (e *Engine) snapshotLocked(r *run) Snapshot {
	return Snapshot{
		Phase:       r.phase,
		DurationMs:  r.durationMs,
		RemainingMs: r.remainingMs,
		LastTickAt:  r.lastTickAt,
	}
}

// tickLoop drives one run's schedule. It exits when the run is cancelled,
// expires, or its generation goes stale.
func (e *Engine) tickLoop(k Key, gen uint64, cancel chan struct{}) {
	ticker := e.clock.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-cancel:
			return
		case now := <-ticker.Chan():
			if !e.applyTick(k, gen, now) {
				return
			}
		}
	}
}

// applyTick decrements remaining time by elapsed wall clock, not a fixed
// step, so scheduler jitter never drifts the countdown. Returns false
// when the loop should stop.
func (e *Engine) applyTick(k Key, gen uint64, now time.Time) bool {
	e.mu.Lock()
	r := e.runs[k]
	if r == nil || r.gen != gen || r.phase != Running {
		// The schedule this tick belongs to was cancelled; discard.
		e.mu.Unlock()
		return false
	}

	elapsed := now.Sub(r.lastTickAt).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}
	r.remainingMs -= elapsed
	if r.remainingMs < 0 {
		r.remainingMs = 0
	}
	r.lastTickAt = now

	expired := r.remainingMs == 0
	if expired {
		r.phase = Expired
		r.gen++
		r.cancel = nil
	}
	snap := e.snapshotLocked(r)
	e.mu.Unlock()

	e.emit(k, snap)

	if expired {
		log.Info().
			Str("match_id", k.MatchID).
			Str("field_id", k.FieldID).
			Msg("timer expired")
		return false
	}
	return true
}

// emit publishes the countdown state as a timer_update through the hub.
func (e *Engine) emit(k Key, snap Snapshot) {
	ev, err := events.New(events.TypeTimerUpdate, k.TournamentID, k.FieldID, events.TimerUpdatePayload{
		MatchID:     k.MatchID,
		DurationMs:  snap.DurationMs,
		RemainingMs: snap.RemainingMs,
		Running:     snap.Phase == Running,
		TickedAt:    snap.LastTickAt,
	})
	if err != nil {
		log.Error().Err(err).Str("match_id", k.MatchID).Msg("marshal timer update")
		return
	}
	e.pub.PublishLocal(ev)
}
