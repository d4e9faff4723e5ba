package session_test

import (
	"context"
	"encoding/json"
	"regexp"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pollsync/pollsync/internal/events"
	"github.com/pollsync/pollsync/internal/ledger"
	"github.com/pollsync/pollsync/internal/models"
	"github.com/pollsync/pollsync/internal/pollstate"
	"github.com/pollsync/pollsync/internal/session"
	"github.com/pollsync/pollsync/internal/store"
	"github.com/pollsync/pollsync/internal/timer"
	"github.com/pollsync/pollsync/internal/transport"
)

// fakeChannel implements session.Channel in-memory so session logic
// can be exercised without a server.
type fakeChannel struct {
	mu       sync.Mutex
	status   transport.Status
	onStatus func(transport.Status)
	handlers map[events.EventType][]transport.Handler
	emitted  []emittedEvent
	offline  bool
}

type emittedEvent struct {
	event   events.EventType
	payload interface{}
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		status:   transport.StatusDisconnected,
		handlers: make(map[events.EventType][]transport.Handler),
	}
}

func (f *fakeChannel) Connect(ctx context.Context) error {
	f.setStatus(transport.StatusConnected)
	return nil
}

func (f *fakeChannel) Emit(event events.EventType, payload interface{}, ack transport.AckFunc) error {
	f.mu.Lock()
	offline := f.offline || f.status != transport.StatusConnected
	if !offline {
		f.emitted = append(f.emitted, emittedEvent{event: event, payload: payload})
	}
	f.mu.Unlock()
	if offline {
		return transport.ErrNotConnected
	}
	if ack != nil {
		ack(nil)
	}
	return nil
}

func (f *fakeChannel) On(event events.EventType, h transport.Handler) {
	f.mu.Lock()
	f.handlers[event] = append(f.handlers[event], h)
	f.mu.Unlock()
}

func (f *fakeChannel) OnStatusChange(fn func(transport.Status)) { f.onStatus = fn }

func (f *fakeChannel) Status() transport.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeChannel) RemoveAllHandlers() {
	f.mu.Lock()
	f.handlers = make(map[events.EventType][]transport.Handler)
	f.mu.Unlock()
}

func (f *fakeChannel) Dispose() { f.setStatus(transport.StatusDisconnected) }

func (f *fakeChannel) setStatus(s transport.Status) {
	f.mu.Lock()
	f.status = s
	fn := f.onStatus
	f.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// push delivers a server event to the registered handlers.
func (f *fakeChannel) push(t *testing.T, event events.EventType, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	f.mu.Lock()
	handlers := append([]transport.Handler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(data)
	}
}

func (f *fakeChannel) emittedOf(event events.EventType) []emittedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emittedEvent
	for _, e := range f.emitted {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	ch     *fakeChannel
	store  *store.MemoryStore
	engine *timer.Engine
	ledger *ledger.Ledger
	polls  *pollstate.Store
	notes  *session.Notifier
	s      *session.RoomSession
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	ch := newFakeChannel()
	st := store.NewMemoryStore()
	engine := timer.NewEngine(clock, st, 0)
	lg := ledger.New(st)
	polls := pollstate.New(lg)
	notes := session.NewNotifier(clock)
	s := session.NewRoomSession(clock, ch, st, engine, lg, polls, notes, nil)
	return &fixture{ch: ch, store: st, engine: engine, ledger: lg, polls: polls, notes: notes, s: s}
}

func (f *fixture) join(t *testing.T, name, room string) {
	t.Helper()
	require.NoError(t, f.s.Join(context.Background(), name, room))
}

func TestJoin_RejectsShortName(t *testing.T) {
	f := newFixture(t)

	err := f.s.Join(context.Background(), "a", "ROOM01")
	assert.ErrorIs(t, err, session.ErrInvalidName)
	assert.False(t, f.s.Identity().Joined)
	assert.Empty(t, f.ch.emittedOf(events.EventTypeJoinRoom), "no network effect on invalid input")
}

func TestJoin_EmptyRoomCodeCreatesRoom(t *testing.T) {
	f := newFixture(t)
	f.join(t, "ana", "")

	identity := f.s.Identity()
	assert.True(t, identity.Joined)
	assert.Regexp(t, regexp.MustCompile(`^[A-Z0-9]{6}$`), identity.RoomCode)
}

func TestJoin_AnnouncesMembershipOnConnect(t *testing.T) {
	f := newFixture(t)
	f.join(t, "ana", "ROOM01")

	joins := f.ch.emittedOf(events.EventTypeJoinRoom)
	require.Len(t, joins, 1)
	payload := joins[0].payload.(events.JoinRoomPayload)
	assert.Equal(t, "ROOM01", payload.RoomID)
	assert.Equal(t, "ana", payload.Username)
}

func TestJoin_TwiceIsRejected(t *testing.T) {
	f := newFixture(t)
	f.join(t, "ana", "ROOM01")

	err := f.s.Join(context.Background(), "ana", "ROOM02")
	assert.ErrorIs(t, err, session.ErrAlreadyJoined)
	assert.Equal(t, "ROOM01", f.s.Identity().RoomCode)
}

func TestReconnect_ReannouncesAndResyncsWithoutLosingAnnotations(t *testing.T) {
	f := newFixture(t)
	f.join(t, "ana", "ROOM01")
	require.NoError(t, f.s.Vote(1, 3))

	// Transient loss, then recovery.
	f.ch.setStatus(transport.StatusReconnecting)
	f.ch.setStatus(transport.StatusConnected)

	joins := f.ch.emittedOf(events.EventTypeJoinRoom)
	assert.Len(t, joins, 2, "membership must be re-announced after reconnect")

	// The server answers with a full authoritative snapshot.
	f.ch.push(t, events.EventTypeRoomData, events.RoomDataPayload{
		UserCount: 8,
		Polls: []models.Poll{{
			ID: 1,
			Options: []models.Option{
				{ID: 3, Text: "Java", Votes: 21},
			},
		}},
	})

	assert.Equal(t, 8, f.polls.Room().UserCount)
	polls := f.polls.Polls()
	require.Len(t, polls, 1)
	assert.Equal(t, 21, polls[0].Options[0].Votes, "snapshot replaces counts")
	assert.True(t, polls[0].HasVoted, "local annotation survives resync")
	assert.Equal(t, 3, polls[0].SelectedOption)
}

func TestVote_SingleVotePerPoll(t *testing.T) {
	f := newFixture(t)
	f.join(t, "ana", "ROOM01")

	require.NoError(t, f.s.Vote(1, 2))
	err := f.s.Vote(1, 3)
	assert.ErrorIs(t, err, ledger.ErrAlreadyVoted)

	votes := f.ch.emittedOf(events.EventTypeVotePoll)
	assert.Len(t, votes, 1, "rejected vote must not reach the wire")
}

func TestVote_RejectedAfterServerVotingEnded(t *testing.T) {
	f := newFixture(t)
	f.join(t, "ana", "ROOM01")

	f.ch.push(t, events.EventTypeVotingEnded, nil)

	err := f.s.Vote(1, 2)
	assert.ErrorIs(t, err, session.ErrVotingClosed)
	assert.Empty(t, f.ch.emittedOf(events.EventTypeVotePoll))

	msg, visible := f.notes.Current()
	assert.True(t, visible)
	assert.Equal(t, "Voting time has ended!", msg)
}

func TestVotingEnded_DisablesTimerAndPersists(t *testing.T) {
	f := newFixture(t)
	f.join(t, "ana", "ROOM01")

	f.ch.push(t, events.EventTypeVotingEnded, nil)

	assert.Equal(t, timer.StateDisabled, f.engine.State())
	var disabled bool
	found, _ := f.store.Get(store.VotingDisabledKey("ROOM01"), &disabled)
	assert.True(t, found && disabled)
}

func TestVoteFeatured_OncePerRoom(t *testing.T) {
	f := newFixture(t)
	f.join(t, "ana", "ROOM01")

	require.NoError(t, f.s.VoteFeatured(2))
	assert.ErrorIs(t, f.s.VoteFeatured(1), ledger.ErrAlreadyVoted)

	featured := f.ch.emittedOf(events.EventTypeVoteFeatured)
	require.Len(t, featured, 1)
	payload := featured[0].payload.(events.VoteFeaturedPayload)
	assert.Equal(t, 2, payload.OptionID)
}

func TestSwitchRoom_PurgesOldRoomKeys(t *testing.T) {
	f := newFixture(t)
	f.join(t, "ana", "ROOMAA")
	require.NoError(t, f.s.Vote(1, 2))

	require.NoError(t, f.s.SwitchRoom("ROOMBB"))

	assert.Equal(t, "ROOMBB", f.s.Identity().RoomCode)
	assert.False(t, f.ledger.HasVoted(1), "old room's votes must not leak")

	var votes map[int]int
	found, _ := f.store.Get(store.VotesKey("ROOMAA"), &votes)
	assert.False(t, found, "old room's persisted votes must be purged")

	switches := f.ch.emittedOf(events.EventTypeSwitchRoom)
	require.Len(t, switches, 1)
	payload := switches[0].payload.(events.SwitchRoomPayload)
	assert.Equal(t, "ROOMAA", payload.CurrentRoomID)
	assert.Equal(t, "ROOMBB", payload.NewRoomID)
}

func TestSwitchRoom_NotJoinedIsRejected(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.s.SwitchRoom("ROOM01"), session.ErrNotJoined)
}

func TestSwitchRoom_SameRoomIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.join(t, "ana", "ROOM01")

	require.NoError(t, f.s.SwitchRoom("ROOM01"))
	assert.Empty(t, f.ch.emittedOf(events.EventTypeSwitchRoom))
}

func TestLeave_ResetsSessionAndPurges(t *testing.T) {
	f := newFixture(t)
	f.join(t, "ana", "ROOM01")
	require.NoError(t, f.s.Vote(1, 2))

	require.NoError(t, f.s.Leave())

	assert.Equal(t, models.Session{}, f.s.Identity())
	assert.Equal(t, transport.StatusDisconnected, f.ch.Status())
	assert.Equal(t, timer.StateIdle, f.engine.State())

	var votes map[int]int
	found, _ := f.store.Get(store.VotesKey("ROOM01"), &votes)
	assert.False(t, found)

	var saved models.Session
	found, _ = f.store.Get(store.UserStateKey(), &saved)
	assert.False(t, found, "persisted identity cleared on leave")

	assert.ErrorIs(t, f.s.Leave(), session.ErrNotJoined)
}

func TestCreatePoll_ValidatesBeforeEmit(t *testing.T) {
	f := newFixture(t)
	f.join(t, "ana", "ROOM01")

	assert.ErrorIs(t, f.s.CreatePoll("", []string{"a", "b"}), session.ErrInvalidPoll)
	assert.ErrorIs(t, f.s.CreatePoll("Q?", []string{"a"}), session.ErrInvalidPoll)
	assert.ErrorIs(t, f.s.CreatePoll("Q?", []string{"a", " "}), session.ErrInvalidPoll)
	assert.Empty(t, f.ch.emittedOf(events.EventTypeCreatePoll))

	require.NoError(t, f.s.CreatePoll("Q?", []string{"a", "b"}))
	assert.Len(t, f.ch.emittedOf(events.EventTypeCreatePoll), 1)
}

func TestResetTimer_ReopensVotingAfterServerClose(t *testing.T) {
	f := newFixture(t)
	f.join(t, "ana", "ROOM01")

	f.ch.push(t, events.EventTypeVotingEnded, nil)
	require.ErrorIs(t, f.s.Vote(1, 2), session.ErrVotingClosed)

	require.NoError(t, f.s.ResetTimer())
	assert.Len(t, f.ch.emittedOf(events.EventTypeResetTimer), 1)
	assert.Equal(t, timer.StateRunning, f.engine.State())

	require.NoError(t, f.s.Vote(1, 2))
}

func TestVoteReceived_FeedsBoundedActivityLog(t *testing.T) {
	f := newFixture(t)
	f.join(t, "ana", "ROOM01")

	for i := 1; i <= 6; i++ {
		f.ch.push(t, events.EventTypeVoteReceived, events.VoteReceivedPayload{
			Voter:    "bob",
			PollID:   i,
			PollType: models.PollTypeStandard,
		})
	}

	recent := f.polls.RecentVotes()
	require.Len(t, recent, 5)
	assert.Equal(t, 6, recent[0].PollID)
}

func TestPresenceEvents_UpdateUserCount(t *testing.T) {
	f := newFixture(t)
	f.join(t, "ana", "ROOM01")

	f.ch.push(t, events.EventTypeUserJoined, events.UserPresencePayload{Username: "bob", UserCount: 2})
	assert.Equal(t, 2, f.polls.Room().UserCount)

	msg, _ := f.notes.Current()
	assert.Equal(t, "bob joined the room", msg)

	f.ch.push(t, events.EventTypeUserLeft, events.UserPresencePayload{Username: "bob", UserCount: 1})
	assert.Equal(t, 1, f.polls.Room().UserCount)
}

func TestVoteWhileDisconnected_SurfacesFailure(t *testing.T) {
	f := newFixture(t)
	f.join(t, "ana", "ROOM01")
	f.ch.mu.Lock()
	f.ch.offline = true
	f.ch.mu.Unlock()

	err := f.s.Vote(1, 2)
	assert.ErrorIs(t, err, transport.ErrNotConnected)

	_, visible := f.notes.Current()
	assert.True(t, visible, "failure is surfaced as a notification")
}

func TestGeneratedRoomCodes_AreWellFormed(t *testing.T) {
	pattern := regexp.MustCompile(`^[A-Z0-9]{6}$`)
	for i := 0; i < 100; i++ {
		assert.Regexp(t, pattern, session.GenerateRoomCode())
	}
}
