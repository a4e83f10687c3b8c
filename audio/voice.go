package audio

import "github.com/midiseq/midiseq"

// voice plays one sample triggered by one KeyOn. Positions are frames in
// 16.16 fixed point so samples recorded at other rates can be stepped
// through without a separate resampler.
type voice struct {
	sample   *midiseq.Sample
	key      uint8
	velocity int
	pos      uint64 // read offset into the sample
	step     uint64
	end      int  // frame at which the voice is exhausted
	first    bool // the next fragment is the one the voice starts in
	offset   int  // start frame inside the first fragment
}

func newVoice(s *midiseq.Sample, key uint8, velocity, outRate, from, to int) voice {
	rate := s.SampleRate
	if rate <= 0 {
		rate = outRate
	}
	end := s.Frames()
	if to >= 0 && to < end {
		end = to
	}
	return voice{
		sample:   s,
		key:      key,
		velocity: velocity,
		pos:      uint64(max(from, 0)) << 16,
		step:     uint64(rate)<<16/uint64(max(outRate, 1)),
		end:      end,
		first:    true,
	}
}

// remaining returns the number of source frames still to play.
func (v *voice) remaining() int {
	return max(v.end-int(v.pos>>16), 0)
}

// mix adds the voice into dst. The samples are summed with plain int16
// arithmetic. It reports whether the voice still has data after dst.
func (v *voice) mix(dst []int16, channels int) bool {
	start := 0
	if v.first {
		start = v.offset
		v.first = false
	}
	src := v.sample.Data
	srcCh := max(v.sample.Channels, 1)
	frames := len(dst) / channels
	for f := start; f < frames; f++ {
		idx := int(v.pos >> 16)
		if idx >= v.end {
			return false
		}
		base := idx * srcCh
		for c := 0; c < channels; c++ {
			sc := min(c, srcCh-1)
			s := src[base+sc]
			if v.velocity < 127 {
				s = int16(int32(s) * int32(v.velocity) / 127)
			}
			dst[f*channels+c] += s
		}
		v.pos += v.step
	}
	return int(v.pos>>16) < v.end
}
