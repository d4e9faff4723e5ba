package events

import (
	"time"

	"github.com/segmentio/encoding/json"

	"github.com/pollsync/pollsync/internal/models"
)

// Envelope is the base structure for every frame on the realtime
// channel, in both directions.
type Envelope struct {
	ID        string          `json:"id,omitempty"`        // Frame UUID, set by the sender
	Type      EventType       `json:"type"`                // Event type
	Ack       string          `json:"ack,omitempty"`       // ID of the frame being acknowledged
	Timestamp time.Time       `json:"timestamp,omitempty"` // Frame creation time
	Data      json.RawMessage `json:"data,omitempty"`      // Event-specific payload
}

// EventType names an event on the realtime channel.
type EventType string

// Client -> server events.
const (
	EventTypeJoinRoom     EventType = "joinRoom"
	EventTypeSwitchRoom   EventType = "switchRoom"
	EventTypeLeaveRoom    EventType = "leaveRoom"
	EventTypeVotePoll     EventType = "votePoll"
	EventTypeVoteFeatured EventType = "voteFeaturedPoll"
	EventTypeCreatePoll   EventType = "createPoll"
	EventTypeResetTimer   EventType = "resetTimer"
	EventTypeGetVoteStats EventType = "getVoteStats"
	EventTypePing         EventType = "ping"
)

// Server -> client events. EventTypeVotingEnded flows both ways: the
// client reports its local countdown hitting zero, the server pushes
// the authoritative end-of-voting decision.
const (
	EventTypeRoomData        EventType = "roomData"
	EventTypeUserJoined      EventType = "userJoined"
	EventTypeUserLeft        EventType = "userLeft"
	EventTypePollsUpdated    EventType = "pollsUpdated"
	EventTypeFeaturedUpdated EventType = "featuredPollUpdated"
	EventTypeVotingEnded     EventType = "votingEnded"
	EventTypeVoteReceived    EventType = "voteReceived"
	EventTypeVoteRecorded    EventType = "voteRecorded"
	EventTypeVoteStats       EventType = "voteStats"
)

// Inbound lists every server-pushed event type, in the order handlers
// are registered. Keeping the list in one place makes registration and
// teardown auditable.
func Inbound() []EventType {
	return []EventType{
		EventTypeRoomData,
		EventTypeUserJoined,
		EventTypeUserLeft,
		EventTypePollsUpdated,
		EventTypeFeaturedUpdated,
		EventTypeVotingEnded,
		EventTypeVoteReceived,
		EventTypeVoteRecorded,
		EventTypeVoteStats,
	}
}

// JoinRoomPayload announces (or re-announces) room membership.
type JoinRoomPayload struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
}

// SwitchRoomPayload moves the user between rooms without reconnecting.
type SwitchRoomPayload struct {
	CurrentRoomID string `json:"currentRoomId"`
	NewRoomID     string `json:"newRoomId"`
	Username      string `json:"username"`
}

// RoomScopedPayload is shared by leaveRoom, resetTimer, votingEnded
// and getVoteStats, which carry only the room identifier.
type RoomScopedPayload struct {
	RoomID string `json:"roomId"`
}

// VotePollPayload casts a vote on a standard poll.
type VotePollPayload struct {
	RoomID   string `json:"roomId"`
	PollID   int    `json:"pollId"`
	OptionID int    `json:"optionId"`
}

// VoteFeaturedPayload casts a vote on the room's featured poll.
type VoteFeaturedPayload struct {
	RoomID   string `json:"roomId"`
	OptionID int    `json:"optionId"`
}

// CreatePollPayload adds a poll to the room.
type CreatePollPayload struct {
	RoomID   string   `json:"roomId"`
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

// RoomDataPayload is the full authoritative snapshot pushed after every
// (re)join. It is the resync mechanism; there is no event replay.
type RoomDataPayload struct {
	UserCount    int           `json:"userCount"`
	Creator      string        `json:"creator,omitempty"`
	Polls        []models.Poll `json:"polls"`
	FeaturedPoll *models.Poll  `json:"featuredPoll,omitempty"`
}

// UserPresencePayload reports membership churn.
type UserPresencePayload struct {
	Username  string `json:"username"`
	UserCount int    `json:"userCount"`
}

// VoteReceivedPayload is an activity-feed item for someone's vote.
type VoteReceivedPayload struct {
	Voter     string          `json:"voter"`
	PollID    int             `json:"pollId"`
	PollType  models.PollType `json:"pollType"`
	Timestamp time.Time       `json:"timestamp"`
}

// VoteRecordedPayload acknowledges the local user's own vote.
type VoteRecordedPayload struct {
	Success bool `json:"success"`
}

// VoteStatsPayload carries aggregate statistics for the room.
type VoteStatsPayload struct {
	TotalVotes    int            `json:"totalVotes"`
	VotesByPoll   map[string]int `json:"votesByPoll,omitempty"`
	ActiveVoters  int            `json:"activeVoters,omitempty"`
	FeaturedVotes int            `json:"featuredVotes,omitempty"`
}

// ParsePayload parses an envelope's data into the payload struct for
// its event type. Unknown types return (nil, nil).
func ParsePayload(env *Envelope) (interface{}, error) {
	switch env.Type {
	case EventTypeRoomData:
		var payload RoomDataPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeUserJoined, EventTypeUserLeft:
		var payload UserPresencePayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypePollsUpdated:
		var payload []models.Poll
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeFeaturedUpdated:
		var payload models.Poll
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeVoteReceived:
		var payload VoteReceivedPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeVoteRecorded:
		var payload VoteRecordedPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeVoteStats:
		var payload VoteStatsPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	default:
		return nil, nil // Unknown or payload-free event type
	}
}
