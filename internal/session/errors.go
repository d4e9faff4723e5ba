package session

import "errors"

var (
	// ErrInvalidName rejects join attempts with a display name shorter
	// than two characters.
	ErrInvalidName = errors.New("name must be at least 2 characters")
	// ErrAlreadyJoined rejects a join while a session is active.
	ErrAlreadyJoined = errors.New("already joined a room")
	// ErrNotJoined rejects room operations outside a session.
	ErrNotJoined = errors.New("not joined to a room")
	// ErrVotingClosed rejects votes and poll creation after the voting
	// window has ended.
	ErrVotingClosed = errors.New("voting window has ended")
	// ErrInvalidPoll rejects poll creation with empty fields.
	ErrInvalidPoll = errors.New("poll question and options must be non-empty")
)
