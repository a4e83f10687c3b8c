package engine

import (
	"time"

	"github.com/midiseq/midiseq"
)

type (
	// Broker carries the messages of the engine to its subscribers. The
	// engine never blocks on a subscriber: when a channel is full, the
	// message is dropped. A UI that falls behind misses position updates,
	// not playback.
	//
	// ToUI receives PositionMsg, Alert and RecordingMsg values.
	Broker struct {
		ToUI chan any
	}

	// PositionMsg is the song position of the last tick, or -1 when the
	// engine stopped.
	PositionMsg struct {
		Clock midiseq.Clock
	}

	// Alert reports a capability lost for the session, or a diagnostic.
	Alert struct {
		Name     string
		Message  string
		Priority AlertPriority
	}

	AlertPriority int

	// RecordingMsg hands the recorded events over on stop. Notes carry
	// their lengths; there are no key-offs.
	RecordingMsg struct {
		Events *midiseq.EventBuffer
	}
)

const (
	Info AlertPriority = iota
	Warning
	Error
)

func NewBroker() *Broker {
	return &Broker{ToUI: make(chan any, 1024)}
}

// TrySend sends v on c unless c is full, and reports whether it did.
func TrySend[T any](c chan<- T, v T) bool {
	select {
	case c <- v:
	default:
		return false
	}
	return true
}

// TimeoutReceive waits at most t for a value on c. ok is false on timeout
// and when c is closed.
func TimeoutReceive[T any](c <-chan T, t time.Duration) (v T, ok bool) {
	select {
	case v, ok = <-c:
		return v, ok
	case <-time.After(t):
		return v, false
	}
}
