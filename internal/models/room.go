package models

import "time"

// Session is the local user's identity within a room. Owned exclusively
// by the room session; created on join, cleared on leave.
type Session struct {
	Name     string `json:"name"`
	RoomCode string `json:"roomCode"`
	Joined   bool   `json:"isJoined"`
}

// Room is the client's copy of the last authoritative room snapshot.
type Room struct {
	Code         string    `json:"code"`
	UserCount    int       `json:"userCount"`
	Creator      string    `json:"creator"`
	LastActivity time.Time `json:"lastActivity"`
}

// TimerState is a snapshot of the voting-window countdown.
// VotingDisabled is monotonic: once set it stays set until an explicit
// reset. Active and VotingDisabled are mutually exclusive.
type TimerState struct {
	Seconds        int  `json:"seconds"`
	Active         bool `json:"active"`
	VotingDisabled bool `json:"votingDisabled"`
}
