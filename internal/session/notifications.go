package session

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultNotificationDuration is how long a message stays visible.
const DefaultNotificationDuration = 3 * time.Second

// Notifier holds at most one transient user-facing message at a time.
// A new push replaces the current message and restarts the dismissal
// timer: last write wins, nothing is queued.
type Notifier struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	duration time.Duration
	message  string
	visible  bool
	timer    clockwork.Timer
	onChange func(message string, visible bool)
}

func NewNotifier(clock clockwork.Clock) *Notifier {
	return &Notifier{clock: clock, duration: DefaultNotificationDuration}
}

// OnChange registers a display observer.
func (n *Notifier) OnChange(fn func(message string, visible bool)) {
	n.mu.Lock()
	n.onChange = fn
	n.mu.Unlock()
}

// Push shows a message and schedules its automatic dismissal.
func (n *Notifier) Push(message string) {
	n.mu.Lock()
	if n.timer != nil {
		n.timer.Stop()
	}
	n.message = message
	n.visible = true
	fn := n.onChange
	n.timer = n.clock.AfterFunc(n.duration, n.dismiss)
	n.mu.Unlock()

	if fn != nil {
		fn(message, true)
	}
}

// Current returns the visible message, if any.
func (n *Notifier) Current() (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.message, n.visible
}

func (n *Notifier) dismiss() {
	n.mu.Lock()
	n.message = ""
	n.visible = false
	n.timer = nil
	fn := n.onChange
	n.mu.Unlock()

	if fn != nil {
		fn("", false)
	}
}
