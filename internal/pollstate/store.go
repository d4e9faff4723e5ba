// Package pollstate holds the client's view of a room's polls: the
// authoritative list and featured poll as last pushed by the server,
// joined with the locally-owned vote annotations.
//
// Reconciliation rule: the server owns vote counts and option text;
// the client owns its own hasVoted/selectedOption. Authoritative
// pushes replace the former wholesale and never clobber the latter.
package pollstate

import (
	"math"
	"sync"
	"time"

	"github.com/pollsync/pollsync/internal/events"
	"github.com/pollsync/pollsync/internal/ledger"
	"github.com/pollsync/pollsync/internal/models"
)

// RecentVoteLimit bounds the activity feed.
const RecentVoteLimit = 5

// Store is the poll-state holder for one room session.
type Store struct {
	mu       sync.Mutex
	ledger   *ledger.Ledger
	polls    []models.Poll
	featured *models.Poll
	room     models.Room
	recent   []models.VoteEvent
	stats    *events.VoteStatsPayload
}

func New(l *ledger.Ledger) *Store {
	return &Store{ledger: l}
}

// ApplyRoomData applies a full authoritative snapshot, replacing room
// metadata, the poll list and the featured poll.
func (s *Store) ApplyRoomData(data events.RoomDataPayload, now time.Time) {
	s.mu.Lock()
	s.room.UserCount = data.UserCount
	if data.Creator != "" {
		s.room.Creator = data.Creator
	}
	s.room.LastActivity = now
	if data.Polls != nil {
		s.polls = data.Polls
	}
	if data.FeaturedPoll != nil {
		s.featured = data.FeaturedPoll
	}
	s.mu.Unlock()
}

// ApplyPolls applies an incremental authoritative poll-list update.
func (s *Store) ApplyPolls(polls []models.Poll) {
	s.mu.Lock()
	s.polls = polls
	s.mu.Unlock()
}

// ApplyFeatured applies an incremental authoritative featured-poll
// update. The local annotation is read from the ledger at access time,
// so nothing in the incoming payload can overwrite it.
func (s *Store) ApplyFeatured(poll models.Poll) {
	s.mu.Lock()
	s.featured = &poll
	s.mu.Unlock()
}

// ApplyPresence updates the member count from churn events.
func (s *Store) ApplyPresence(userCount int, now time.Time) {
	s.mu.Lock()
	s.room.UserCount = userCount
	s.room.LastActivity = now
	s.mu.Unlock()
}

// ApplyStats stores the latest aggregate statistics push.
func (s *Store) ApplyStats(stats events.VoteStatsPayload) {
	s.mu.Lock()
	s.stats = &stats
	s.mu.Unlock()
}

// RecordVoteEvent prepends an activity-feed item, keeping only the
// most recent RecentVoteLimit entries.
func (s *Store) RecordVoteEvent(ev models.VoteEvent) {
	s.mu.Lock()
	s.recent = append([]models.VoteEvent{ev}, s.recent...)
	if len(s.recent) > RecentVoteLimit {
		s.recent = s.recent[:RecentVoteLimit]
	}
	s.mu.Unlock()
}

// Reset drops all per-room state, for room switch or leave.
func (s *Store) Reset() {
	s.mu.Lock()
	s.polls = nil
	s.featured = nil
	s.room = models.Room{}
	s.recent = nil
	s.stats = nil
	s.mu.Unlock()
}

// Polls returns the poll list annotated with the local vote state.
func (s *Store) Polls() []models.AnnotatedPoll {
	s.mu.Lock()
	polls := make([]models.Poll, len(s.polls))
	copy(polls, s.polls)
	s.mu.Unlock()

	annotated := make([]models.AnnotatedPoll, len(polls))
	for i, p := range polls {
		annotated[i] = models.AnnotatedPoll{
			Poll:           p,
			VoteAnnotation: s.ledger.Annotation(p.ID),
		}
	}
	return annotated
}

// Featured returns the featured poll with the local annotation, or
// false when no snapshot has arrived yet.
func (s *Store) Featured() (models.AnnotatedPoll, bool) {
	s.mu.Lock()
	poll := s.featured
	s.mu.Unlock()
	if poll == nil {
		return models.AnnotatedPoll{}, false
	}
	return models.AnnotatedPoll{
		Poll:           *poll,
		VoteAnnotation: s.ledger.FeaturedAnnotation(),
	}, true
}

// Room returns the last-pushed room snapshot.
func (s *Store) Room() models.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// RecentVotes returns the activity feed, most recent first.
func (s *Store) RecentVotes() []models.VoteEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.VoteEvent, len(s.recent))
	copy(out, s.recent)
	return out
}

// Stats returns the latest statistics push, or false if none arrived.
func (s *Store) Stats() (events.VoteStatsPayload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stats == nil {
		return events.VoteStatsPayload{}, false
	}
	return *s.stats, true
}

// Percentage computes a display percentage for an option. A zero total
// yields 0 for every option.
func Percentage(votes, totalVotes int) int {
	if totalVotes <= 0 {
		return 0
	}
	return int(math.Round(float64(votes) / float64(totalVotes) * 100))
}
