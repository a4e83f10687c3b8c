package midiseq

import "math"

// DefaultTempo is 120 bpm in microseconds per quarter note.
const DefaultTempo = 500000

// BPM converts a tempo in microseconds per quarter note into beats per minute.
func BPM(usPerQuarter int) float64 {
	if usPerQuarter <= 0 {
		usPerQuarter = DefaultTempo
	}
	return 60e6 / float64(usPerQuarter)
}

// USPerQuarter converts beats per minute into microseconds per quarter note.
func USPerQuarter(bpm float64) int {
	if bpm <= 0 {
		return DefaultTempo
	}
	return int(math.Round(60e6 / bpm))
}

// TicksPerMinute is the tick rate of a song with the given resolution and
// tempo.
func TicksPerMinute(ppq, usPerQuarter int) int64 {
	if usPerQuarter <= 0 {
		usPerQuarter = DefaultTempo
	}
	return int64(math.Round(float64(ppq) * 60e6 / float64(usPerQuarter)))
}
