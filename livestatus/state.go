package livestatus

import (
	"fmt"
	"time"
)

// ConnPhase is the per-subject connection state.
type ConnPhase int

const (
	PhaseIdle ConnPhase = iota
	PhaseConnecting
	PhaseOpen
	PhaseReconnecting
	PhasePolling
	PhaseClosed
)

func (p ConnPhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseOpen:
		return "open"
	case PhaseReconnecting:
		return "reconnecting"
	case PhasePolling:
		return "polling"
	case PhaseClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnPhase(%d)", int(p))
	}
}

// ConnectionState is a snapshot of one subject's connection.
// Attempt and Delay are meaningful while Reconnecting (Attempt also while
// Connecting, naming the reopen in flight).
type ConnectionState struct {
	Phase   ConnPhase
	Attempt int
	Delay   time.Duration
}

// Connected reports whether the push transport is live. Polling is reported
// as disconnected: data still flows but is only as fresh as the last poll.
func (s ConnectionState) Connected() bool {
	return s.Phase == PhaseOpen
}

// Active reports whether a transport is attached (open, polling, or on the way).
func (s ConnectionState) Active() bool {
	switch s.Phase {
	case PhaseConnecting, PhaseOpen, PhaseReconnecting, PhasePolling:
		return true
	default:
		return false
	}
}

func (s ConnectionState) String() string {
	if s.Phase == PhaseReconnecting {
		return fmt.Sprintf("reconnecting(attempt=%d, delay=%s)", s.Attempt, s.Delay)
	}
	return s.Phase.String()
}

// StateChange is delivered to OnStateChange listeners.
type StateChange struct {
	Subject Subject
	From    ConnectionState
	To      ConnectionState
}
