package audio

import "github.com/midiseq/midiseq"

// Converter maps between song ticks and interleaved sample counts at a
// constant tempo.
type Converter struct {
	SampleRate     int
	Channels       int
	TicksPerMinute int64
}

func (c Converter) samplesPerMinute() int64 {
	return int64(c.SampleRate) * int64(c.Channels) * 60
}

// TicksToSamples returns the interleaved sample count of t ticks, rounded
// down to a whole frame so a channel group is never split.
func (c Converter) TicksToSamples(t midiseq.Clock) int64 {
	if c.TicksPerMinute <= 0 || c.Channels <= 0 {
		return 0
	}
	s := int64(t) * c.samplesPerMinute() / c.TicksPerMinute
	return s - s%int64(c.Channels)
}

// SamplesToTicks returns the tick count of s interleaved samples, rounded to
// the nearest tick.
func (c Converter) SamplesToTicks(s int64) midiseq.Clock {
	spm := c.samplesPerMinute()
	if spm <= 0 {
		return 0
	}
	return midiseq.Clock((s*c.TicksPerMinute + spm/2) / spm)
}

// firstTickAt returns the smallest tick count whose sample position is at or
// past s.
func (c Converter) firstTickAt(s int64) midiseq.Clock {
	spm := c.samplesPerMinute()
	if spm <= 0 || c.TicksPerMinute <= 0 {
		return 0
	}
	t := midiseq.Clock(s * c.TicksPerMinute / spm)
	for t > 0 && c.TicksToSamples(t-1) >= s {
		t--
	}
	for c.TicksToSamples(t) < s {
		t++
	}
	return t
}
