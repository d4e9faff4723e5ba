// Package timer runs the per-room voting-window countdown. The count
// ticks locally once per second as visual feedback; the server's
// votingEnded push is authoritative for the end-of-voting decision.
package timer

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/pollsync/pollsync/internal/models"
	"github.com/pollsync/pollsync/internal/store"
)

// State is the countdown state machine position.
type State string

const (
	// StateIdle means no room is joined.
	StateIdle State = "idle"
	// StateRunning means the window is open and ticking down.
	StateRunning State = "running"
	// StateExpired is the instant the local count reaches zero, before
	// the disabled flag is persisted.
	StateExpired State = "expired"
	// StateDisabled is terminal until an explicit reset. It is durable
	// per room and survives reloads.
	StateDisabled State = "disabled"
)

// DefaultWindowSec is the voting window opened on room join.
const DefaultWindowSec = 60

// Engine is the countdown state machine for one client. All methods
// are safe for concurrent use; ticks run on their own goroutine.
type Engine struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	store     store.Store
	windowSec int

	roomCode  string
	state     State
	remaining int
	stopCh    chan struct{}

	// onExpired fires once when the local count reaches zero, after the
	// disabled flag has been persisted. The session uses it to notify
	// the server and the user.
	onExpired func()
	onChange  func(models.TimerState)
}

// NewEngine creates an idle engine. windowSec <= 0 selects the default
// 60 second window.
func NewEngine(clock clockwork.Clock, st store.Store, windowSec int) *Engine {
	if windowSec <= 0 {
		windowSec = DefaultWindowSec
	}
	return &Engine{
		clock:     clock,
		store:     st,
		windowSec: windowSec,
		state:     StateIdle,
	}
}

// OnExpired registers the local-expiry callback.
func (e *Engine) OnExpired(fn func()) {
	e.mu.Lock()
	e.onExpired = fn
	e.mu.Unlock()
}

// OnChange registers a snapshot observer invoked after every state or
// count change.
func (e *Engine) OnChange(fn func(models.TimerState)) {
	e.mu.Lock()
	e.onChange = fn
	e.mu.Unlock()
}

// Hydrate binds the engine to a room and starts it. A persisted
// disabled flag for that room short-circuits straight to Disabled.
func (e *Engine) Hydrate(roomCode string) {
	e.mu.Lock()
	e.stopLocked()
	e.roomCode = roomCode

	var disabled bool
	if found, err := e.store.Get(store.VotingDisabledKey(roomCode), &disabled); err != nil {
		log.Warn().Err(err).Str("room", roomCode).Msg("failed to read voting disabled flag")
	} else if found && disabled {
		e.state = StateDisabled
		e.remaining = 0
		e.mu.Unlock()
		log.Debug().Str("room", roomCode).Msg("voting already disabled for room")
		e.notifyChange()
		return
	}

	e.startLocked()
	e.mu.Unlock()
	e.notifyChange()
}

// startLocked opens a fresh window and spawns the tick loop.
func (e *Engine) startLocked() {
	e.state = StateRunning
	e.remaining = e.windowSec
	e.stopCh = make(chan struct{})

	go e.run(e.stopCh)
}

func (e *Engine) run(stopCh chan struct{}) {
	ticker := e.clock.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.Chan():
			e.tick()
		}
	}
}

// tick decrements the count by one second and handles local expiry.
func (e *Engine) tick() {
	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return
	}
	e.remaining--
	if e.remaining > 0 {
		e.mu.Unlock()
		e.notifyChange()
		return
	}

	// Local expiry: flip to Disabled, persist, then tell the world.
	e.remaining = 0
	e.state = StateExpired
	e.persistDisabledLocked()
	e.state = StateDisabled
	e.stopLocked()
	expired := e.onExpired
	room := e.roomCode
	e.mu.Unlock()

	log.Info().Str("room", room).Msg("voting window expired locally")
	e.notifyChange()
	if expired != nil {
		expired()
	}
}

// ForceDisable applies a server-pushed votingEnded regardless of the
// local count. Idempotent.
func (e *Engine) ForceDisable() {
	e.mu.Lock()
	if e.state == StateDisabled {
		e.mu.Unlock()
		return
	}
	e.persistDisabledLocked()
	e.state = StateDisabled
	e.remaining = 0
	e.stopLocked()
	room := e.roomCode
	e.mu.Unlock()

	log.Info().Str("room", room).Msg("voting disabled by server")
	e.notifyChange()
}

// Reset clears the persisted disabled flag and reopens a full window.
// This is the only path out of Disabled.
func (e *Engine) Reset() {
	e.mu.Lock()
	if e.roomCode != "" {
		if err := e.store.Delete(store.VotingDisabledKey(e.roomCode)); err != nil {
			log.Warn().Err(err).Str("room", e.roomCode).Msg("failed to clear voting disabled flag")
		}
	}
	e.stopLocked()
	e.startLocked()
	e.mu.Unlock()
	e.notifyChange()
}

// Stop returns the engine to Idle, for room leave or session end.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopLocked()
	e.state = StateIdle
	e.remaining = 0
	e.roomCode = ""
	e.mu.Unlock()
}

// VotingOpen reports whether a vote may be accepted right now.
func (e *Engine) VotingOpen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateRunning
}

// State returns the current machine position.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Snapshot returns the displayable timer state.
func (e *Engine) Snapshot() models.TimerState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return models.TimerState{
		Seconds:        e.remaining,
		Active:         e.state == StateRunning,
		VotingDisabled: e.state == StateDisabled,
	}
}

func (e *Engine) persistDisabledLocked() {
	if e.roomCode == "" {
		return
	}
	if err := e.store.Set(store.VotingDisabledKey(e.roomCode), true); err != nil {
		log.Warn().Err(err).Str("room", e.roomCode).Msg("failed to persist voting disabled flag")
	}
}

func (e *Engine) stopLocked() {
	if e.stopCh != nil {
		close(e.stopCh)
		e.stopCh = nil
	}
}

func (e *Engine) notifyChange() {
	e.mu.Lock()
	fn := e.onChange
	snap := models.TimerState{
		Seconds:        e.remaining,
		Active:         e.state == StateRunning,
		VotingDisabled: e.state == StateDisabled,
	}
	e.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}
