// Package ledger records which poll options the local user has chosen,
// one record per room, durable across reloads. It enforces the
// at-most-one-vote-per-poll rule before any network effect.
package ledger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/pollsync/pollsync/internal/models"
	"github.com/pollsync/pollsync/internal/store"
)

var (
	// ErrAlreadyVoted is returned when a vote exists for the poll.
	ErrAlreadyVoted = errors.New("already voted on this poll")
	// ErrNoRoom is returned when the ledger is not bound to a room.
	ErrNoRoom = errors.New("ledger not bound to a room")
)

// Ledger is the per-room record of the local user's votes. Standard
// poll votes are a pollID -> optionID map; the featured poll has its
// own singleton annotation, each persisted under a room-scoped key.
type Ledger struct {
	mu       sync.Mutex
	store    store.Store
	roomCode string
	votes    map[int]int
	featured models.VoteAnnotation
}

func New(st store.Store) *Ledger {
	return &Ledger{
		store: st,
		votes: make(map[int]int),
	}
}

// Hydrate loads the persisted vote state for a room, replacing any
// in-memory state. Missing or corrupt data yields an empty ledger.
func (l *Ledger) Hydrate(roomCode string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.roomCode = roomCode
	l.votes = make(map[int]int)
	l.featured = models.VoteAnnotation{}

	if _, err := l.store.Get(store.VotesKey(roomCode), &l.votes); err != nil {
		log.Warn().Err(err).Str("room", roomCode).Msg("failed to load vote ledger")
	}
	if l.votes == nil {
		l.votes = make(map[int]int)
	}
	if _, err := l.store.Get(store.FeaturedVoteKey(roomCode), &l.featured); err != nil {
		log.Warn().Err(err).Str("room", roomCode).Msg("failed to load featured vote")
	}
	log.Debug().Str("room", roomCode).Int("votes", len(l.votes)).Msg("vote ledger hydrated")
}

// RecordVote stores the user's choice for a standard poll and persists
// the whole per-room map. Fails with ErrAlreadyVoted if a choice
// already exists for the poll; no partial state is written.
func (l *Ledger) RecordVote(pollID, optionID int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.roomCode == "" {
		return ErrNoRoom
	}
	if _, voted := l.votes[pollID]; voted {
		return ErrAlreadyVoted
	}
	l.votes[pollID] = optionID
	if err := l.store.Set(store.VotesKey(l.roomCode), l.votes); err != nil {
		return fmt.Errorf("failed to persist vote: %w", err)
	}
	return nil
}

// RecordFeaturedVote stores the user's featured-poll choice.
func (l *Ledger) RecordFeaturedVote(optionID int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.roomCode == "" {
		return ErrNoRoom
	}
	if l.featured.HasVoted {
		return ErrAlreadyVoted
	}
	l.featured = models.VoteAnnotation{HasVoted: true, SelectedOption: optionID}
	if err := l.store.Set(store.FeaturedVoteKey(l.roomCode), l.featured); err != nil {
		return fmt.Errorf("failed to persist featured vote: %w", err)
	}
	return nil
}

// HasVoted reports whether the user has voted on the poll.
func (l *Ledger) HasVoted(pollID int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, voted := l.votes[pollID]
	return voted
}

// Annotation returns the local vote state for a standard poll.
func (l *Ledger) Annotation(pollID int) models.VoteAnnotation {
	l.mu.Lock()
	defer l.mu.Unlock()
	if optionID, voted := l.votes[pollID]; voted {
		return models.VoteAnnotation{HasVoted: true, SelectedOption: optionID}
	}
	return models.VoteAnnotation{}
}

// FeaturedAnnotation returns the local featured-poll vote state.
func (l *Ledger) FeaturedAnnotation() models.VoteAnnotation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.featured
}

// ClearFeaturedSelection drops only the local featured selection so the
// user can vote again. Server counts are untouched.
func (l *Ledger) ClearFeaturedSelection() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.roomCode == "" {
		return ErrNoRoom
	}
	l.featured = models.VoteAnnotation{}
	return l.store.Set(store.FeaturedVoteKey(l.roomCode), l.featured)
}

// Count returns how many standard polls the user has voted on.
func (l *Ledger) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.votes)
}

// ResetAll drops every local vote for the current room, in memory and
// on disk, without touching the server tally.
func (l *Ledger) ResetAll() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.roomCode == "" {
		return ErrNoRoom
	}
	l.votes = make(map[int]int)
	l.featured = models.VoteAnnotation{}
	if err := l.store.Delete(store.VotesKey(l.roomCode)); err != nil {
		return err
	}
	return l.store.Delete(store.FeaturedVoteKey(l.roomCode))
}

// Purge irreversibly removes a room's persisted keys: the vote map,
// the featured-vote annotation and the voting-disabled flag. Other
// rooms' keys are never touched.
func (l *Ledger) Purge(roomCode string) {
	for _, key := range []string{
		store.VotesKey(roomCode),
		store.FeaturedVoteKey(roomCode),
		store.VotingDisabledKey(roomCode),
	} {
		if err := l.store.Delete(key); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("failed to purge room key")
		}
	}
	l.mu.Lock()
	if l.roomCode == roomCode {
		l.votes = make(map[int]int)
		l.featured = models.VoteAnnotation{}
	}
	l.mu.Unlock()
}
