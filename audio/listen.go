package audio

import "github.com/midiseq/midiseq"

// PrepareListen starts auditioning frames [from, to) of s outside normal
// playback. It drops the fragment queues and the playback voices, renders as
// many fragments as are free and returns how many of them carry sound. A
// negative to plays to the end of the sample.
func (r *Ring) PrepareListen(s *midiseq.Sample, from, to int) int {
	r.mu.Lock()
	r.resetLocked()
	r.mu.Unlock()
	if s == nil || s.Frames() == 0 || r.format.FragmentSamples() == 0 {
		return 0
	}
	v := newVoice(s, 0, 127, r.format.SampleRate, from, to)
	if v.remaining() == 0 {
		return 0
	}
	r.listen = &v
	return r.ContinueListen()
}

// ContinueListen renders the next part of the audition into the free
// fragments. It returns 0 once the sample is exhausted.
func (r *Ring) ContinueListen() int {
	n := 0
	for r.listen != nil {
		i, ok := r.popFree()
		if !ok {
			break
		}
		buf := r.frags[i]
		clear(buf)
		if !r.listen.mix(buf, r.format.Channels) {
			r.listen = nil
		}
		r.pushFull(i)
		n++
	}
	return n
}

// Listening reports whether an audition still has data to render.
func (r *Ring) Listening() bool { return r.listen != nil }
