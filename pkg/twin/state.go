package twin

import (
	"errors"
	"time"
)

// ErrSessionActive is returned by [Controller.Open] while a session is
// connecting or live.
var ErrSessionActive = errors.New("twin: session already active")

// State is the lifecycle phase of the controller's current session.
type State int

const (
	// StateIdle means no session was opened yet.
	StateIdle State = iota
	// StateConnecting means the handshake was started but the provider has not
	// accepted the session yet.
	StateConnecting
	// StateLive means audio flows in both directions.
	StateLive
	// StateClosed is terminal for a session. See [Reason].
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Active reports whether s blocks a new [Controller.Open].
func (s State) Active() bool { return s == StateConnecting || s == StateLive }

// Reason explains why a session reached [StateClosed].
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonUserClosed     Reason = "user_closed"
	ReasonRemoteClosed   Reason = "remote_closed"
	ReasonTransportError Reason = "transport_error"
	ReasonDeviceError    Reason = "device_error"
)

// Status is a point-in-time snapshot of the controller.
type Status struct {
	SessionID string
	Provider  string
	State     State
	// Reason is set once State is [StateClosed].
	Reason Reason
	// Err is the fault behind a transport or device error.
	Err error
	// Transcript is the joined display transcript of the session.
	Transcript string
	OpenedAt   time.Time
	ClosedAt   time.Time
}

// Record is the archived summary of a closed session.
type Record struct {
	ID        string    `json:"id"`
	Provider  string    `json:"provider"`
	OpenedAt  time.Time `json:"opened_at"`
	ClosedAt  time.Time `json:"closed_at"`
	Reason    Reason    `json:"reason"`
	Error     string    `json:"error,omitempty"`
	Fragments []string  `json:"fragments"`
}
