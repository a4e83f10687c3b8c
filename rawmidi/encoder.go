package rawmidi

import (
	"io"
	"sync"
)

// Encoder writes messages to a raw MIDI line, optionally dropping repeated
// channel status bytes (running status). It is safe for concurrent use.
type Encoder struct {
	mu      sync.Mutex
	w       io.Writer
	running bool
	last    byte
}

func NewEncoder(w io.Writer, runningStatus bool) *Encoder {
	return &Encoder{w: w, running: runningStatus}
}

// Write sends one complete message.
func (e *Encoder) Write(msg []byte) error {
	if len(msg) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	status := msg[0]
	out := msg
	switch {
	case status >= 0xf8:
		// realtime bytes leave running status alone
	case status >= 0xf0:
		e.last = 0
	default:
		if e.running && status == e.last {
			out = msg[1:]
		}
		e.last = status
	}
	_, err := e.w.Write(out)
	return err
}

// Reset forgets the running status, e.g. after the line was idle.
func (e *Encoder) Reset() {
	e.mu.Lock()
	e.last = 0
	e.mu.Unlock()
}
