package schedule

import (
	"time"

	"github.com/midiseq/midiseq"
)

// TempoClock converts between ticks and elapsed wall time. A tempo change
// re-anchors the clock so ticks already passed keep their times.
type TempoClock struct {
	ppq        int
	tempo      int // microseconds per quarter note
	anchorTick midiseq.Clock
	anchorTime time.Duration
}

func NewTempoClock(ppq, usPerQuarter int) *TempoClock {
	if ppq <= 0 {
		ppq = 96
	}
	if usPerQuarter <= 0 {
		usPerQuarter = midiseq.DefaultTempo
	}
	return &TempoClock{ppq: ppq, tempo: usPerQuarter}
}

// Reset makes tick the position at elapsed time 0.
func (c *TempoClock) Reset(tick midiseq.Clock) {
	c.anchorTick = tick
	c.anchorTime = 0
}

// Tempo returns the current tempo in microseconds per quarter note.
func (c *TempoClock) Tempo() int { return c.tempo }

// SetPPQ changes the resolution; non-positive values are ignored. Positions
// are only meaningful again after the next Reset.
func (c *TempoClock) SetPPQ(ppq int) {
	if ppq > 0 {
		c.ppq = ppq
	}
}

// SetTempo changes the tempo from elapsed on.
func (c *TempoClock) SetTempo(elapsed time.Duration, usPerQuarter int) {
	if usPerQuarter <= 0 {
		return
	}
	c.anchorTick = c.TickAt(elapsed)
	c.anchorTime = elapsed
	c.tempo = usPerQuarter
}

// TickAt returns the tick reached after elapsed.
func (c *TempoClock) TickAt(elapsed time.Duration) midiseq.Clock {
	d := elapsed - c.anchorTime
	return c.anchorTick + midiseq.Clock(int64(d)*int64(c.ppq)/(int64(c.tempo)*1000))
}

// TimeOf returns the elapsed time at which tick is reached.
func (c *TempoClock) TimeOf(tick midiseq.Clock) time.Duration {
	t := int64(tick-c.anchorTick) * int64(c.tempo) * 1000 / int64(c.ppq)
	return c.anchorTime + time.Duration(t)
}
