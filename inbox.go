package midiseq

import "sync/atomic"

// Inbox carries inbound events from a driver callback to the playback tick.
// Posting never blocks: when the reader falls behind, events are dropped.
type Inbox struct {
	events  chan Event
	tap     chan Event
	stopped atomic.Bool
	dropped atomic.Int64
}

// NewInbox returns an inbox buffering up to size events. With tap set, every
// event is also offered to Tap for a pass-through worker.
func NewInbox(size int, tap bool) *Inbox {
	b := &Inbox{events: make(chan Event, size)}
	if tap {
		b.tap = make(chan Event, size)
	}
	return b
}

// Post queues ev for the next Drain.
func (b *Inbox) Post(ev Event) {
	select {
	case b.events <- ev:
	default:
		b.dropped.Add(1)
	}
	if b.tap != nil {
		select {
		case b.tap <- ev:
		default:
		}
	}
}

// PostStop records an external transport stop command.
func (b *Inbox) PostStop() { b.stopped.Store(true) }

// Drain hands every queued event to received and reports whether a stop
// command arrived since the last Drain.
func (b *Inbox) Drain(received func(Event)) (stopped bool) {
	for {
		select {
		case ev := <-b.events:
			if received != nil {
				received(ev)
			}
		default:
			return b.stopped.Swap(false)
		}
	}
}

// Tap returns the pass-through copy of the inbound stream, or nil.
func (b *Inbox) Tap() <-chan Event { return b.tap }

// Dropped returns the number of events lost to a full inbox.
func (b *Inbox) Dropped() int64 { return b.dropped.Load() }

// Tapper is implemented by transports whose input can feed a soft-thru
// worker.
type Tapper interface {
	Tap() <-chan Event
}
