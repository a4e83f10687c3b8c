package midiseq

import (
	"iter"
	"slices"
	"sort"
)

// EventBuffer is an ordered, mutable queue of pending events. Events are kept
// in insertion order until Sort, after which they are ordered by Clock with
// ties in insertion order.
//
// An EventBuffer is not safe for concurrent use.
type EventBuffer struct {
	events []*Event
	cursor int // index of the first event not known to be consumed
}

// NewEventBuffer returns an empty buffer with room for capacity events.
func NewEventBuffer(capacity int) *EventBuffer {
	return &EventBuffer{events: make([]*Event, 0, capacity)}
}

// Len returns the number of events held, consumed or not.
func (b *EventBuffer) Len() int { return len(b.events) }

// At returns the i-th event.
func (b *EventBuffer) At(i int) *Event { return b.events[i] }

// Events returns the events in buffer order. The slice aliases the buffer.
func (b *EventBuffer) Events() []*Event { return b.events }

// Put appends an event. An End marker replaces any previous End marker, so
// a buffer never holds more than one.
func (b *EventBuffer) Put(ev *Event) {
	if ev.Kind == End {
		b.events = slices.DeleteFunc(b.events, func(e *Event) bool { return e.Kind == End })
		b.cursor = 0
	}
	b.events = append(b.events, ev)
}

// PutAll appends copies of the given events.
func (b *EventBuffer) PutAll(evs ...Event) {
	for i := range evs {
		ev := evs[i]
		b.Put(&ev)
	}
}

// Sort orders the events by Clock. Ties keep their insertion order.
func (b *EventBuffer) Sort() {
	slices.SortStableFunc(b.events, func(x, y *Event) int {
		switch {
		case x.Clock < y.Clock:
			return -1
		case x.Clock > y.Clock:
			return 1
		}
		return 0
	})
	b.cursor = 0
}

// ExpandLengths replaces note durations with explicit key-offs. Every
// unconsumed note-on with a nonzero Length gets a KeyOff at Clock+Length and
// its Length is cleared; the buffer is then re-sorted. Applying it twice
// changes nothing the second time.
func (b *EventBuffer) ExpandLengths() {
	n := len(b.events)
	for i := 0; i < n; i++ {
		ev := b.events[i]
		if ev.Consumed || !ev.IsNoteOn() || ev.Length <= 0 {
			continue
		}
		b.events = append(b.events, &Event{
			Clock:   ev.Clock + ev.Length,
			Kind:    KeyOff,
			Device:  ev.Device,
			Channel: ev.Channel,
			Key:     ev.Key,
		})
		ev.Length = 0
	}
	b.Sort()
}

// Range iterates lazily over the unconsumed events with from <= Clock < to
// in ascending order. The buffer must be sorted. Events appended beyond to
// while iterating are safe; acquiring a new iterator restarts the sequence.
func (b *EventBuffer) Range(from, to Clock) iter.Seq[*Event] {
	return func(yield func(*Event) bool) {
		i := sort.Search(len(b.events), func(i int) bool { return b.events[i].Clock >= from })
		for ; i < len(b.events); i++ {
			ev := b.events[i]
			if ev.Clock >= to {
				return
			}
			if ev.Consumed {
				continue
			}
			if !yield(ev) {
				return
			}
		}
	}
}

// Pending iterates over the unconsumed events before to, starting at the
// buffer cursor. The cursor advances past the leading consumed events.
func (b *EventBuffer) Pending(to Clock) iter.Seq[*Event] {
	return func(yield func(*Event) bool) {
		for b.cursor < len(b.events) && b.events[b.cursor].Consumed {
			b.cursor++
		}
		for i := b.cursor; i < len(b.events); i++ {
			ev := b.events[i]
			if ev.Clock >= to {
				return
			}
			if ev.Consumed {
				continue
			}
			if !yield(ev) {
				return
			}
		}
	}
}

// HasDue reports whether any unconsumed event lies before to.
func (b *EventBuffer) HasDue(to Clock) bool {
	for range b.Pending(to) {
		return true
	}
	return false
}

// Cleanup removes consumed events. With keepDeleted the events are kept, as
// a record buffer does to retain history for undo.
func (b *EventBuffer) Cleanup(keepDeleted bool) {
	if keepDeleted {
		return
	}
	b.events = slices.DeleteFunc(b.events, func(e *Event) bool { return e.Consumed })
	b.cursor = 0
}

// MoveTo transfers every event matching keep into dst, preserving order.
func (b *EventBuffer) MoveTo(dst *EventBuffer, keep func(*Event) bool) int {
	moved := 0
	b.events = slices.DeleteFunc(b.events, func(e *Event) bool {
		if !keep(e) {
			return false
		}
		dst.events = append(dst.events, e)
		moved++
		return true
	})
	b.cursor = 0
	return moved
}

// Reset empties the buffer, keeping its capacity.
func (b *EventBuffer) Reset() {
	clear(b.events)
	b.events = b.events[:0]
	b.cursor = 0
}
