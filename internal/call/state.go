package call

import (
	"time"

	"github.com/1ureka/medcall/internal/config"
)

// Status is the visible state of a call.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusEnded      Status = "ended"
	StatusError      Status = "error"
)

var transitions = map[Status][]Status{
	StatusIdle:       {StatusConnecting, StatusError},
	StatusConnecting: {StatusConnected, StatusEnded, StatusError},
	StatusConnected:  {StatusEnded, StatusError},
}

// CanTransition reports whether the state machine allows s → to.
func (s Status) CanTransition(to Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool { return s == StatusEnded || s == StatusError }

// Active reports whether a call is in progress.
func (s Status) Active() bool { return s == StatusConnecting || s == StatusConnected }

// Mode is the transport carrying the call.
type Mode string

const (
	ModeP2P Mode = "p2p"
	ModeSFU Mode = "sfu"
)

// Snapshot is a read-only copy of the session state.
type Snapshot struct {
	CallID    string
	Role      config.Role
	Status    Status
	Mode      Mode
	StartedAt time.Time
	Muted     bool
	// Message explains an error or ended status.
	Message string
}

// Event is delivered to subscribers on every state change.
type Event struct {
	Previous Status
	Snapshot Snapshot
}
