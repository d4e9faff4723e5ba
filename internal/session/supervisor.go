package session

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/pollsync/pollsync/internal/events"
	"github.com/pollsync/pollsync/internal/transport"
)

// Channel is what the session layer needs from the transport. It is
// satisfied by *transport.Channel and by fakes in tests.
type Channel interface {
	Connect(ctx context.Context) error
	Emit(event events.EventType, payload interface{}, ack transport.AckFunc) error
	On(event events.EventType, h transport.Handler)
	OnStatusChange(fn func(transport.Status))
	Status() transport.Status
	RemoveAllHandlers()
	Dispose()
}

// Supervisor binds the channel lifecycle to the joined session. On
// every entry into the connected state, first connect and every
// reconnect alike, it re-announces room membership so the server
// re-subscribes this client and pushes a fresh authoritative snapshot.
// That full-snapshot resync is the only catch-up mechanism; there is
// no event replay.
type Supervisor struct {
	ch       Channel
	announce func()
	notify   func(string)
	onStatus func(transport.Status)
}

// NewSupervisor wires the supervisor to a channel. announce re-emits
// the join; notify surfaces user-facing connection messages.
func NewSupervisor(ch Channel, announce func(), notify func(string)) *Supervisor {
	s := &Supervisor{ch: ch, announce: announce, notify: notify}
	ch.OnStatusChange(s.handleStatus)
	return s
}

// OnStatusChange registers a downstream status observer.
func (s *Supervisor) OnStatusChange(fn func(transport.Status)) {
	s.onStatus = fn
}

// Open establishes the connection under the channel's retry policy.
func (s *Supervisor) Open(ctx context.Context) error {
	return s.ch.Connect(ctx)
}

// Close deregisters every handler before disconnecting, so no callback
// fires against torn-down session state.
func (s *Supervisor) Close() {
	s.ch.RemoveAllHandlers()
	s.ch.Dispose()
}

// Status returns the current connection status.
func (s *Supervisor) Status() transport.Status {
	return s.ch.Status()
}

func (s *Supervisor) handleStatus(st transport.Status) {
	switch st {
	case transport.StatusConnected:
		s.notify("Connected to server!")
		// Membership re-announcement doubles as the resync trigger.
		s.announce()
	case transport.StatusReconnecting:
		s.notify("Reconnecting to server...")
	case transport.StatusError:
		s.notify("Connection error")
	case transport.StatusFailed:
		s.notify("Failed to reconnect to server. Please restart the session.")
	case transport.StatusDisconnected:
		s.notify("Disconnected from server!")
	}

	log.Debug().Str("status", string(st)).Msg("supervisor observed status change")
	if s.onStatus != nil {
		s.onStatus(st)
	}
}
