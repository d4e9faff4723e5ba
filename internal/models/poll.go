package models

import "time"

// PollType distinguishes ordinary polls from the per-room featured poll.
type PollType string

const (
	PollTypeStandard PollType = "standard"
	PollTypeFeatured PollType = "featured"
)

// Option is a single answer within a poll. Votes is the authoritative
// count as last pushed by the server.
type Option struct {
	ID    int    `json:"id"`
	Text  string `json:"text"`
	Votes int    `json:"votes"`
}

// Poll is the server-authoritative shape of a poll. It carries no
// per-user vote state; that lives in VoteAnnotation.
type Poll struct {
	ID       int      `json:"id"`
	Question string   `json:"question"`
	Options  []Option `json:"options"`
}

// TotalVotes sums the option counts.
func (p Poll) TotalVotes() int {
	total := 0
	for _, opt := range p.Options {
		total += opt.Votes
	}
	return total
}

// VoteAnnotation is the locally-owned vote state for a single poll.
// It is never part of a server payload and must survive every
// authoritative merge.
type VoteAnnotation struct {
	HasVoted       bool `json:"hasVoted"`
	SelectedOption int  `json:"selectedOption,omitempty"`
}

// AnnotatedPoll is a poll snapshot joined with the local user's
// annotation, the shape handed to display layers.
type AnnotatedPoll struct {
	Poll
	VoteAnnotation
}

// VoteEvent is an ephemeral activity-feed item describing someone's
// vote. Only the most recent few are retained.
type VoteEvent struct {
	PollID    int       `json:"pollId"`
	PollType  PollType  `json:"pollType"`
	Voter     string    `json:"voter"`
	Timestamp time.Time `json:"timestamp"`
}
