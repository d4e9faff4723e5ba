// Package store provides room-scoped durable key/value persistence,
// the client-side equivalent of browser local storage. Values are
// JSON-encoded; corrupt data is treated as absent rather than fatal.
package store

import (
	"github.com/rs/zerolog/log"
	"github.com/segmentio/encoding/json"
)

// Prefix namespaces every key written by the application so the whole
// persisted footprint can be cleared in one sweep.
const Prefix = "pollapp_"

// Store is durable key/value persistence with JSON (de)serialization.
// Get reports found=false both for missing keys and for values that
// fail to decode.
type Store interface {
	Get(key string, v interface{}) (found bool, err error)
	Set(key string, v interface{}) error
	Delete(key string) error
	// Clear removes every key with the given prefix.
	Clear(prefix string) error
	Close() error
}

// Room-scoped key constructors. Switching or leaving a room purges
// exactly these three keys for that room and nothing else.

func VotesKey(roomCode string) string {
	return Prefix + "votes_" + roomCode
}

func FeaturedVoteKey(roomCode string) string {
	return Prefix + "featuredVote_" + roomCode
}

func VotingDisabledKey(roomCode string) string {
	return Prefix + "votingDisabled_" + roomCode
}

// UserStateKey holds the user's identity; it is not room-scoped.
func UserStateKey() string {
	return Prefix + "userState"
}

// decodeLenient unmarshals a stored value, degrading corrupt JSON to
// "not found" so a damaged store never breaks startup.
func decodeLenient(key string, raw []byte, v interface{}) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("discarding corrupt persisted value")
		return false
	}
	return true
}
