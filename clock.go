package midiseq

// Clock is a count of musical ticks since the song start. All scheduling
// decisions are made in ticks.
type Clock int64

// ClockStop is returned by Transport.ReadClock when the backend has halted on
// its own, e.g. after receiving an external transport stop command.
const ClockStop Clock = -1

// HeartbeatTicks is the granularity of the break markers the MIDI-domain
// backends emit on Flush.
const HeartbeatTicks Clock = 48

// LoopRange is a half-open song interval [Start, Stop) played repeatedly.
type LoopRange struct {
	Start, Stop Clock
}

// Len returns the length of the loop in ticks.
func (l LoopRange) Len() Clock { return l.Stop - l.Start }

// ClockMapper maps the transport's physical clock to the song's logical
// clock. The physical (external) clock is monotonic hardware time; only the
// internal song position wraps when a loop is active.
//
// The zero value is an identity mapper.
type ClockMapper struct {
	loop   LoopRange
	active bool
}

// Set activates the loop range [start, stop). A range with stop <= start
// clears the mapper.
func (m *ClockMapper) Set(start, stop Clock) {
	if stop <= start {
		m.Reset()
		return
	}
	m.loop = LoopRange{Start: start, Stop: stop}
	m.active = true
}

// Reset clears the loop range; both directions become identity.
func (m *ClockMapper) Reset() {
	m.loop = LoopRange{}
	m.active = false
}

// Loop returns the active loop range, if any.
func (m *ClockMapper) Loop() (LoopRange, bool) {
	return m.loop, m.active
}

// ToInternal converts an external clock into a song position:
// (ext-start) mod (stop-start) + start. The modulo is a true one, so clocks
// before the loop start land inside the loop as well.
func (m *ClockMapper) ToInternal(ext Clock) Clock {
	if !m.active {
		return ext
	}
	n := m.loop.Len()
	r := (ext - m.loop.Start) % n
	if r < 0 {
		r += n
	}
	return r + m.loop.Start
}

// ToExternal is identity: the external clock never wraps.
func (m *ClockMapper) ToExternal(in Clock) Clock {
	return in
}

// Segment returns how many external ticks starting at ext map to a
// contiguous internal range, capped at n. Without a loop this is n.
func (m *ClockMapper) Segment(ext, n Clock) Clock {
	if !m.active {
		return n
	}
	in := m.ToInternal(ext)
	if rest := m.loop.Stop - in; rest < n {
		return rest
	}
	return n
}
