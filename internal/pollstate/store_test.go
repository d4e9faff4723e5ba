package pollstate_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pollsync/pollsync/internal/events"
	"github.com/pollsync/pollsync/internal/ledger"
	"github.com/pollsync/pollsync/internal/models"
	"github.com/pollsync/pollsync/internal/pollstate"
	"github.com/pollsync/pollsync/internal/store"
)

func newStateStore(t *testing.T) (*pollstate.Store, *ledger.Ledger) {
	t.Helper()
	l := ledger.New(store.NewMemoryStore())
	l.Hydrate("ROOM01")
	return pollstate.New(l), l
}

func TestApplyPolls_MergePreservesLocalAnnotation(t *testing.T) {
	s, l := newStateStore(t)
	require.NoError(t, l.RecordVote(1, 3))

	// Authoritative push: server knows nothing about our annotation.
	s.ApplyPolls([]models.Poll{{
		ID:       1,
		Question: "What is your favorite programming language?",
		Options: []models.Option{
			{ID: 1, Text: "JavaScript", Votes: 4},
			{ID: 2, Text: "Python", Votes: 9},
			{ID: 3, Text: "Java", Votes: 2},
		},
	}})

	polls := s.Polls()
	require.Len(t, polls, 1)
	assert.Equal(t, 9, polls[0].Options[1].Votes, "server owns counts")
	assert.True(t, polls[0].HasVoted, "client owns its annotation")
	assert.Equal(t, 3, polls[0].SelectedOption)

	// A second push with different counts still cannot clobber it.
	s.ApplyPolls([]models.Poll{{
		ID:      1,
		Options: []models.Option{{ID: 3, Text: "Java", Votes: 7}},
	}})
	polls = s.Polls()
	assert.Equal(t, 7, polls[0].Options[0].Votes)
	assert.True(t, polls[0].HasVoted)
	assert.Equal(t, 3, polls[0].SelectedOption)
}

func TestApplyFeatured_MergePreservesLocalAnnotation(t *testing.T) {
	s, l := newStateStore(t)
	require.NoError(t, l.RecordFeaturedVote(2))

	s.ApplyFeatured(models.Poll{
		ID:       99,
		Question: "Cats vs Dogs",
		Options: []models.Option{
			{ID: 1, Text: "Cats", Votes: 12},
			{ID: 2, Text: "Dogs", Votes: 15},
		},
	})

	featured, ok := s.Featured()
	require.True(t, ok)
	assert.Equal(t, 15, featured.Options[1].Votes)
	assert.True(t, featured.HasVoted)
	assert.Equal(t, 2, featured.SelectedOption)
}

func TestApplyRoomData_FullSnapshotReplacesState(t *testing.T) {
	s, _ := newStateStore(t)
	now := time.Now()

	featured := &models.Poll{ID: 1, Question: "Cats vs Dogs"}
	s.ApplyRoomData(events.RoomDataPayload{
		UserCount:    4,
		Creator:      "ana",
		Polls:        []models.Poll{{ID: 1, Question: "old"}},
		FeaturedPoll: featured,
	}, now)

	room := s.Room()
	assert.Equal(t, 4, room.UserCount)
	assert.Equal(t, "ana", room.Creator)
	assert.Equal(t, now, room.LastActivity)

	// A later snapshot replaces the poll list wholesale.
	s.ApplyRoomData(events.RoomDataPayload{
		UserCount: 5,
		Polls:     []models.Poll{{ID: 2, Question: "new"}},
	}, now.Add(time.Second))

	polls := s.Polls()
	require.Len(t, polls, 1)
	assert.Equal(t, 2, polls[0].ID)
}

func TestRecordVoteEvent_BoundedMostRecentFirst(t *testing.T) {
	s, _ := newStateStore(t)

	for i := 1; i <= 7; i++ {
		s.RecordVoteEvent(models.VoteEvent{
			PollID:   i,
			PollType: models.PollTypeStandard,
			Voter:    fmt.Sprintf("user%d", i),
		})
	}

	recent := s.RecentVotes()
	require.Len(t, recent, pollstate.RecentVoteLimit)
	assert.Equal(t, 7, recent[0].PollID, "most recent first")
	assert.Equal(t, 3, recent[4].PollID, "oldest retained entry")
}

func TestReset_DropsEverything(t *testing.T) {
	s, _ := newStateStore(t)
	s.ApplyPolls([]models.Poll{{ID: 1}})
	s.ApplyFeatured(models.Poll{ID: 2})
	s.RecordVoteEvent(models.VoteEvent{PollID: 1})
	s.ApplyStats(events.VoteStatsPayload{TotalVotes: 3})

	s.Reset()

	assert.Empty(t, s.Polls())
	_, ok := s.Featured()
	assert.False(t, ok)
	assert.Empty(t, s.RecentVotes())
	_, ok = s.Stats()
	assert.False(t, ok)
	assert.Equal(t, models.Room{}, s.Room())
}

func TestPercentage(t *testing.T) {
	tests := []struct {
		name  string
		votes int
		total int
		want  int
	}{
		{"12 of 27", 12, 27, 44},
		{"15 of 27", 15, 27, 56},
		{"zero total", 5, 0, 0},
		{"all votes", 10, 10, 100},
		{"no votes", 0, 10, 0},
		{"rounds up", 1, 3, 33},
		{"rounds half up", 1, 2, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, pollstate.Percentage(tt.votes, tt.total))
		})
	}
}
