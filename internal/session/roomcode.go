package session

import "math/rand"

const roomCodeLength = 6

const roomCodeCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateRoomCode returns a fresh 6-character uppercase alphanumeric
// room identifier, used when a join request carries no room code.
func GenerateRoomCode() string {
	code := make([]byte, roomCodeLength)
	for i := range code {
		code[i] = roomCodeCharset[rand.Intn(len(roomCodeCharset))]
	}
	return string(code)
}
