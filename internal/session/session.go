// Package session composes the sync engine: it owns the user's
// identity, fans inbound server events out to the poll state, timer
// and ledger, and guards every user action before it reaches the wire.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/encoding/json"

	"github.com/pollsync/pollsync/clients"
	"github.com/pollsync/pollsync/internal/events"
	"github.com/pollsync/pollsync/internal/ledger"
	"github.com/pollsync/pollsync/internal/models"
	"github.com/pollsync/pollsync/internal/pollstate"
	"github.com/pollsync/pollsync/internal/store"
	"github.com/pollsync/pollsync/internal/timer"
)

// Polling cadences for the periodic collaborators.
const (
	statsRefreshInterval = 30 * time.Second
	roomListInterval     = 30 * time.Second
	roomUsersInterval    = 15 * time.Second
	pingInterval         = 10 * time.Second
)

// RoomSession is the root orchestrator for one user in one room.
type RoomSession struct {
	clock  clockwork.Clock
	ch     Channel
	store  store.Store
	engine *timer.Engine
	ledger *ledger.Ledger
	polls  *pollstate.Store
	notes  *Notifier
	sup    *Supervisor
	rooms  *clients.RoomsClient

	mu        sync.Mutex
	identity  models.Session
	latency   time.Duration
	roomList  []clients.RoomInfo
	roomUsers []clients.RoomUser
	cancels   []func()
}

// NewRoomSession wires the engine together. rooms may be nil when no
// directory API is configured; the directory pollers then stay idle.
func NewRoomSession(
	clock clockwork.Clock,
	ch Channel,
	st store.Store,
	engine *timer.Engine,
	lg *ledger.Ledger,
	polls *pollstate.Store,
	notes *Notifier,
	rooms *clients.RoomsClient,
) *RoomSession {
	s := &RoomSession{
		clock:  clock,
		ch:     ch,
		store:  st,
		engine: engine,
		ledger: lg,
		polls:  polls,
		notes:  notes,
		rooms:  rooms,
	}
	s.sup = NewSupervisor(ch, s.announceJoin, notes.Push)
	engine.OnExpired(s.handleLocalExpiry)
	return s
}

// Supervisor exposes the connection supervisor for status observers.
func (s *RoomSession) Supervisor() *Supervisor { return s.sup }

// Join validates identity, binds the per-room state and opens the
// connection. An empty room code creates a new room with a generated
// identifier. Calling Join while already joined is rejected.
func (s *RoomSession) Join(ctx context.Context, name, roomCode string) error {
	name = strings.TrimSpace(name)
	if len(name) < 2 {
		s.notes.Push("Please enter a valid name (at least 2 characters)")
		return ErrInvalidName
	}

	s.mu.Lock()
	if s.identity.Joined {
		s.mu.Unlock()
		return ErrAlreadyJoined
	}
	roomCode = strings.TrimSpace(roomCode)
	creating := roomCode == ""
	if creating {
		roomCode = GenerateRoomCode()
	}
	s.identity = models.Session{Name: name, RoomCode: roomCode, Joined: true}
	s.mu.Unlock()

	if creating {
		// A generated code may collide with stale keys from an old
		// session; start clean.
		s.ledger.Purge(roomCode)
		s.notes.Push("Creating new room: " + roomCode)
	} else {
		s.notes.Push("Joining room: " + roomCode)
	}

	s.persistIdentity()
	s.ledger.Hydrate(roomCode)
	s.engine.Hydrate(roomCode)
	s.registerHandlers()
	s.startIntervals()

	log.Info().Str("room", roomCode).Str("name", name).Bool("created", creating).Msg("joining room")

	if err := s.sup.Open(ctx); err != nil {
		// The session stays joined with a failed connection status; the
		// local view remains consistent and the user may leave or retry.
		log.Error().Err(err).Msg("failed to open connection")
		return err
	}
	return nil
}

// SwitchRoom moves to another room over the existing connection. The
// old room's persisted keys are purged irreversibly; the new room's
// state is hydrated from storage.
func (s *RoomSession) SwitchRoom(newRoomCode string) error {
	newRoomCode = strings.TrimSpace(newRoomCode)

	s.mu.Lock()
	if !s.identity.Joined {
		s.mu.Unlock()
		return ErrNotJoined
	}
	oldRoom := s.identity.RoomCode
	name := s.identity.Name
	if newRoomCode == "" || newRoomCode == oldRoom {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	err := s.ch.Emit(events.EventTypeSwitchRoom, events.SwitchRoomPayload{
		CurrentRoomID: oldRoom,
		NewRoomID:     newRoomCode,
		Username:      name,
	}, nil)
	if err != nil {
		s.notes.Push("Cannot switch rooms while disconnected")
		return err
	}

	s.mu.Lock()
	s.identity.RoomCode = newRoomCode
	s.mu.Unlock()
	s.persistIdentity()

	s.ledger.Purge(oldRoom)
	s.polls.Reset()
	s.ledger.Hydrate(newRoomCode)
	s.engine.Hydrate(newRoomCode)

	log.Info().Str("from", oldRoom).Str("to", newRoomCode).Msg("switched room")
	s.notes.Push("Switched to room " + newRoomCode)
	return nil
}

// Leave departs gracefully: it announces the leave, tears down every
// interval and handler, closes the transport and purges the room's
// persisted keys. The session returns to its empty default.
func (s *RoomSession) Leave() error {
	s.mu.Lock()
	if !s.identity.Joined {
		s.mu.Unlock()
		return ErrNotJoined
	}
	roomCode := s.identity.RoomCode
	s.mu.Unlock()

	// Best effort; the server also notices the socket closing.
	if err := s.ch.Emit(events.EventTypeLeaveRoom, events.RoomScopedPayload{RoomID: roomCode}, nil); err != nil {
		log.Debug().Err(err).Msg("leave announcement not sent")
	}

	s.stopIntervals()
	s.sup.Close()
	s.engine.Stop()
	s.ledger.Purge(roomCode)
	s.polls.Reset()

	s.mu.Lock()
	s.identity = models.Session{}
	s.latency = 0
	s.roomUsers = nil
	s.mu.Unlock()

	if err := s.store.Delete(store.UserStateKey()); err != nil {
		log.Warn().Err(err).Msg("failed to clear persisted identity")
	}
	log.Info().Str("room", roomCode).Msg("left room")
	return nil
}

// Vote casts a standard-poll vote. The ledger and timer guards run
// before any network effect; on success the local annotation is
// recorded optimistically and the vote is emitted.
func (s *RoomSession) Vote(pollID, optionID int) error {
	s.mu.Lock()
	joined := s.identity.Joined
	roomCode := s.identity.RoomCode
	s.mu.Unlock()
	if !joined {
		return ErrNotJoined
	}

	if !s.engine.VotingOpen() {
		s.notes.Push("Voting time has ended!")
		return ErrVotingClosed
	}
	if err := s.ledger.RecordVote(pollID, optionID); err != nil {
		if err == ledger.ErrAlreadyVoted {
			s.notes.Push("You've already voted on this poll!")
		}
		return err
	}

	err := s.ch.Emit(events.EventTypeVotePoll, events.VotePollPayload{
		RoomID:   roomCode,
		PollID:   pollID,
		OptionID: optionID,
	}, nil)
	if err != nil {
		s.notes.Push("Vote saved locally; not connected to server")
		return err
	}
	return nil
}

// VoteFeatured casts the featured-poll vote under the same guards.
func (s *RoomSession) VoteFeatured(optionID int) error {
	s.mu.Lock()
	joined := s.identity.Joined
	roomCode := s.identity.RoomCode
	s.mu.Unlock()
	if !joined {
		return ErrNotJoined
	}

	if !s.engine.VotingOpen() {
		s.notes.Push("Voting time has ended!")
		return ErrVotingClosed
	}
	if err := s.ledger.RecordFeaturedVote(optionID); err != nil {
		if err == ledger.ErrAlreadyVoted {
			s.notes.Push("You've already voted on this poll!")
		}
		return err
	}

	err := s.ch.Emit(events.EventTypeVoteFeatured, events.VoteFeaturedPayload{
		RoomID:   roomCode,
		OptionID: optionID,
	}, nil)
	if err != nil {
		s.notes.Push("Vote saved locally; not connected to server")
		return err
	}
	return nil
}

// CreatePoll validates and submits a new poll for the room.
func (s *RoomSession) CreatePoll(question string, options []string) error {
	s.mu.Lock()
	joined := s.identity.Joined
	roomCode := s.identity.RoomCode
	s.mu.Unlock()
	if !joined {
		return ErrNotJoined
	}

	if strings.TrimSpace(question) == "" || len(options) < 2 {
		s.notes.Push("Please fill in all fields")
		return ErrInvalidPoll
	}
	for _, opt := range options {
		if strings.TrimSpace(opt) == "" {
			s.notes.Push("Please fill in all fields")
			return ErrInvalidPoll
		}
	}
	if !s.engine.VotingOpen() {
		s.notes.Push("Poll creation is disabled because voting time has ended.")
		return ErrVotingClosed
	}

	err := s.ch.Emit(events.EventTypeCreatePoll, events.CreatePollPayload{
		RoomID:   roomCode,
		Question: question,
		Options:  options,
	}, nil)
	if err != nil {
		s.notes.Push("Cannot create a poll while disconnected")
		return err
	}
	s.notes.Push("New poll created and shared with all participants!")
	return nil
}

// ResetTimer reopens the voting window (room creator action) and tells
// the server to do the same.
func (s *RoomSession) ResetTimer() error {
	s.mu.Lock()
	joined := s.identity.Joined
	roomCode := s.identity.RoomCode
	s.mu.Unlock()
	if !joined {
		return ErrNotJoined
	}

	if err := s.ch.Emit(events.EventTypeResetTimer, events.RoomScopedPayload{RoomID: roomCode}, nil); err != nil {
		s.notes.Push("Cannot reset the timer while disconnected")
		return err
	}
	s.engine.Reset()
	s.notes.Push("Timer has been reset! Voting is open again.")
	return nil
}

// ResetAllVotes drops every local vote for the current room without
// touching server counts.
func (s *RoomSession) ResetAllVotes() error {
	if err := s.ledger.ResetAll(); err != nil {
		return err
	}
	s.notes.Push("All your votes have been reset!")
	return nil
}

// ClearFeaturedSelection lets the user pick a featured option again.
func (s *RoomSession) ClearFeaturedSelection() error {
	return s.ledger.ClearFeaturedSelection()
}

// ClearAllPersistence wipes every key the application ever wrote.
func (s *RoomSession) ClearAllPersistence() error {
	return s.store.Clear(store.Prefix)
}

// Ping measures round-trip latency with an acknowledged ping event.
func (s *RoomSession) Ping() {
	start := s.clock.Now()
	err := s.ch.Emit(events.EventTypePing, struct{}{}, func(json.RawMessage) {
		rtt := s.clock.Now().Sub(start)
		s.mu.Lock()
		s.latency = rtt
		s.mu.Unlock()
		log.Debug().Dur("rtt", rtt).Msg("latency probe")
	})
	if err != nil {
		log.Debug().Err(err).Msg("ping skipped while disconnected")
	}
}

// Snapshot accessors.

func (s *RoomSession) Identity() models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *RoomSession) Latency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latency
}

func (s *RoomSession) RoomList() []clients.RoomInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]clients.RoomInfo(nil), s.roomList...)
}

func (s *RoomSession) RoomUsers() []clients.RoomUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]clients.RoomUser(nil), s.roomUsers...)
}

// SavedIdentity returns the identity persisted by a previous run, so a
// caller can offer to rejoin after a reload.
func (s *RoomSession) SavedIdentity() (models.Session, bool) {
	var saved models.Session
	found, err := s.store.Get(store.UserStateKey(), &saved)
	if err != nil || !found {
		return models.Session{}, false
	}
	return saved, saved.Joined
}

// announceJoin re-emits room membership. The supervisor invokes it on
// every entry into the connected state.
func (s *RoomSession) announceJoin() {
	s.mu.Lock()
	joined := s.identity.Joined
	payload := events.JoinRoomPayload{RoomID: s.identity.RoomCode, Username: s.identity.Name}
	s.mu.Unlock()
	if !joined {
		return
	}
	if err := s.ch.Emit(events.EventTypeJoinRoom, payload, nil); err != nil {
		log.Warn().Err(err).Msg("failed to announce room membership")
	}
}

// handleLocalExpiry runs when the local countdown reaches zero: the
// user is told and the server is informed. The server's own
// votingEnded push remains the authoritative end-of-voting decision.
func (s *RoomSession) handleLocalExpiry() {
	s.mu.Lock()
	roomCode := s.identity.RoomCode
	s.mu.Unlock()

	s.notes.Push("Voting time has ended! Results are final.")
	if err := s.ch.Emit(events.EventTypeVotingEnded, events.RoomScopedPayload{RoomID: roomCode}, nil); err != nil {
		log.Debug().Err(err).Msg("could not report local voting end")
	}
}

// persistIdentity mirrors the session identity to durable storage.
func (s *RoomSession) persistIdentity() {
	s.mu.Lock()
	identity := s.identity
	s.mu.Unlock()
	if err := s.store.Set(store.UserStateKey(), identity); err != nil {
		log.Warn().Err(err).Msg("failed to persist identity")
	}
}

// registerHandlers subscribes one dispatcher closure per inbound event
// type. Routing through a single typed dispatcher keeps ordering and
// teardown auditable.
func (s *RoomSession) registerHandlers() {
	for _, eventType := range events.Inbound() {
		et := eventType
		s.ch.On(et, func(data json.RawMessage) {
			s.dispatch(et, data)
		})
	}
}

// dispatch routes an inbound event to the component that owns its
// state. Handlers execute in arrival order on the channel's read
// goroutine.
func (s *RoomSession) dispatch(eventType events.EventType, data json.RawMessage) {
	if eventType == events.EventTypeVotingEnded {
		s.engine.ForceDisable()
		s.notes.Push("Voting has been closed by the server")
		return
	}

	payload, err := events.ParsePayload(&events.Envelope{Type: eventType, Data: data})
	if err != nil {
		log.Warn().Err(err).Str("event", string(eventType)).Msg("discarding malformed event payload")
		return
	}

	switch p := payload.(type) {
	case events.RoomDataPayload:
		s.polls.ApplyRoomData(p, s.clock.Now())

	case events.UserPresencePayload:
		s.polls.ApplyPresence(p.UserCount, s.clock.Now())
		if eventType == events.EventTypeUserJoined {
			s.notes.Push(p.Username + " joined the room")
		} else {
			s.notes.Push(p.Username + " left the room")
		}

	case []models.Poll:
		s.polls.ApplyPolls(p)

	case models.Poll:
		s.polls.ApplyFeatured(p)

	case events.VoteReceivedPayload:
		s.polls.RecordVoteEvent(models.VoteEvent{
			PollID:    p.PollID,
			PollType:  p.PollType,
			Voter:     p.Voter,
			Timestamp: p.Timestamp,
		})
		s.mu.Lock()
		me := s.identity.Name
		s.mu.Unlock()
		if p.Voter != me {
			s.notes.Push(p.Voter + " voted on a poll!")
		}

	case events.VoteRecordedPayload:
		if p.Success {
			s.notes.Push("Your vote was recorded successfully!")
		}

	case events.VoteStatsPayload:
		s.polls.ApplyStats(p)
	}
}

// every runs fn on a fixed cadence until the returned cancel fires.
// Each interval is individually cancellable and torn down exactly once.
func (s *RoomSession) every(d time.Duration, fn func()) func() {
	ticker := s.clock.NewTicker(d)
	stop := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.Chan():
				fn()
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}

// startIntervals launches the periodic collaborators: stats refresh,
// latency probe, room user refresh and room directory refresh.
func (s *RoomSession) startIntervals() {
	s.requestVoteStats()
	s.refreshRoomUsers()
	s.refreshRoomList()

	cancels := []func(){
		s.every(statsRefreshInterval, s.requestVoteStats),
		s.every(pingInterval, s.Ping),
		s.every(roomUsersInterval, s.refreshRoomUsers),
		s.every(roomListInterval, s.refreshRoomList),
	}
	s.mu.Lock()
	s.cancels = cancels
	s.mu.Unlock()
}

func (s *RoomSession) stopIntervals() {
	s.mu.Lock()
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (s *RoomSession) requestVoteStats() {
	s.mu.Lock()
	roomCode := s.identity.RoomCode
	s.mu.Unlock()
	if roomCode == "" {
		return
	}
	if err := s.ch.Emit(events.EventTypeGetVoteStats, events.RoomScopedPayload{RoomID: roomCode}, nil); err != nil {
		log.Debug().Err(err).Msg("stats refresh skipped while disconnected")
	}
}

func (s *RoomSession) refreshRoomUsers() {
	if s.rooms == nil {
		return
	}
	s.mu.Lock()
	roomCode := s.identity.RoomCode
	s.mu.Unlock()
	if roomCode == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	users, err := s.rooms.ListRoomUsers(ctx, roomCode)
	if err != nil {
		log.Debug().Err(err).Msg("room users refresh failed")
		return
	}
	s.mu.Lock()
	s.roomUsers = users
	s.mu.Unlock()
}

func (s *RoomSession) refreshRoomList() {
	if s.rooms == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rooms, err := s.rooms.ListRooms(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("room list refresh failed")
		return
	}
	s.mu.Lock()
	s.roomList = rooms
	s.mu.Unlock()
}
