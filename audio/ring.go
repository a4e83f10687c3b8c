// Package audio renders sample tracks into a fixed pool of PCM fragments
// that are handed to an AudioTransport ahead of the playback instant.
package audio

import (
	"iter"
	"slices"
	"sync"

	"github.com/midiseq/midiseq"
	"github.com/sirupsen/logrus"
)

type (
	// Ring is a fixed arena of equally sized PCM fragments and the voice
	// mixer that fills them. A fragment is Free, Full or InFlight depending
	// on which queue holds its index; Filling is the time between popping it
	// from the free queue and pushing it to the full one.
	//
	// FillAhead, Dispatch, Reclaim and the listen methods are called from the
	// playback tick. Release may be called from any goroutine; the mutex only
	// guards queue moves, rendering happens outside it.
	Ring struct {
		mu       sync.Mutex
		free     []int
		full     []int
		inflight []int
		returned []midiseq.FragmentID
		gen      int

		frags     [][]int16
		format    midiseq.AudioFormat
		conv      Converter
		samples   midiseq.SampleSet
		polyphony int

		origin   midiseq.Clock // song clock of sample 0
		produced int64         // interleaved samples rendered since origin
		rendered midiseq.Clock // exclusive clock bound of the rendered audio
		voices   []voice
		listen   *voice

		log logrus.FieldLogger
	}

	// KeySource is where FillAhead takes the KeyOn events of the sample
	// tracks from. *midiseq.EventBuffer implements it.
	KeySource interface {
		Range(from, to midiseq.Clock) iter.Seq[*midiseq.Event]
	}
)

// DefaultPolyphony is the number of voices mixed at once when none is given.
const DefaultPolyphony = 16

const genShift = 16

// NewRing returns a ring with the given number of fragments. The fragments
// are allocated by Configure, once the device has negotiated their size.
func NewRing(fragments, polyphony int, log logrus.FieldLogger) *Ring {
	if polyphony <= 0 {
		polyphony = DefaultPolyphony
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Ring{
		frags:     make([][]int16, fragments),
		polyphony: polyphony,
		log:       log.WithField("component", "audioring"),
	}
}

// Configure sizes the fragments to the negotiated format and sets the sample
// library. It drops all state.
func (r *Ring) Configure(format midiseq.AudioFormat, samples midiseq.SampleSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := format.FragmentSamples()
	for i := range r.frags {
		if cap(r.frags[i]) >= n {
			r.frags[i] = r.frags[i][:n]
		} else {
			r.frags[i] = make([]int16, n)
		}
	}
	r.format = format
	r.samples = samples
	r.conv = Converter{SampleRate: format.SampleRate, Channels: format.Channels, TicksPerMinute: r.conv.TicksPerMinute}
	r.resetLocked()
}

// Format returns the format the fragments are rendered in.
func (r *Ring) Format() midiseq.AudioFormat { return r.format }

// ResetBuffers returns every fragment to the free queue, silences all voices
// and makes songClock the clock of the next rendered sample.
func (r *Ring) ResetBuffers(songClock midiseq.Clock, ticksPerMinute int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conv.TicksPerMinute = ticksPerMinute
	r.origin = songClock
	r.resetLocked()
}

func (r *Ring) resetLocked() {
	r.gen++
	r.free = r.free[:0]
	for i := range r.frags {
		r.free = append(r.free, i)
	}
	r.full = r.full[:0]
	r.inflight = r.inflight[:0]
	r.returned = r.returned[:0]
	r.produced = 0
	r.rendered = r.origin
	r.voices = r.voices[:0]
	r.listen = nil
}

// Origin returns the song clock the sample count is measured from.
func (r *Ring) Origin() midiseq.Clock { return r.origin }

// TicksToSamples converts a tick count with the session tempo; see Converter.
func (r *Ring) TicksToSamples(t midiseq.Clock) int64 { return r.conv.TicksToSamples(t) }

// SamplesToTicks converts a sample count with the session tempo.
func (r *Ring) SamplesToTicks(s int64) midiseq.Clock { return r.conv.SamplesToTicks(s) }

// FragmentTicks is an upper bound of the ticks covered by one fragment.
// FillAhead may render up to that far past its target, so the event source
// has to hold the events of that stretch already.
func (r *Ring) FragmentTicks() midiseq.Clock {
	return r.conv.SamplesToTicks(int64(r.format.FragmentSamples())) + 1
}

// RenderedClock returns the clock up to which audio has been rendered.
func (r *Ring) RenderedClock() midiseq.Clock { return r.rendered }

// FreeCount returns the number of fragments available for filling.
func (r *Ring) FreeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.free)
}

// FullCount returns the number of rendered fragments waiting for Dispatch.
func (r *Ring) FullCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.full)
}

// InFlightCount returns the number of fragments held by the device.
func (r *Ring) InFlightCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

// Voices returns the number of live voices.
func (r *Ring) Voices() int { return len(r.voices) }

func (r *Ring) popFree() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.free) == 0 {
		return 0, false
	}
	i := r.free[0]
	r.free = r.free[1:]
	return i, true
}

func (r *Ring) pushFull(i int) {
	r.mu.Lock()
	r.full = append(r.full, i)
	r.mu.Unlock()
}

// FillAhead renders fragments until the rendered audio reaches target or no
// free fragment is left, and returns how many it rendered. Running out of
// free fragments is the backpressure of the device, not an error. Every
// event of src falling into a rendered fragment is marked consumed; KeyOn
// events start a voice.
func (r *Ring) FillAhead(target midiseq.Clock, src KeySource) int {
	if r.conv.TicksPerMinute <= 0 || len(r.frags) == 0 || r.format.FragmentSamples() == 0 {
		return 0
	}
	n := 0
	for r.rendered < target {
		i, ok := r.popFree()
		if !ok {
			break
		}
		r.render(r.frags[i], src)
		r.pushFull(i)
		n++
	}
	return n
}

func (r *Ring) render(buf []int16, src KeySource) {
	clear(buf)
	ch := r.format.Channels
	start := r.produced
	end := start + int64(len(buf))
	until := r.origin + r.conv.firstTickAt(end)
	if src != nil {
		for ev := range src.Range(r.rendered, until) {
			// voices play to the end of their sample, key-offs only need
			// to leave the buffer
			ev.Consumed = true
			if !ev.IsNoteOn() {
				continue
			}
			r.trigger(ev, int(max(r.conv.TicksToSamples(ev.Clock-r.origin)-start, 0))/ch)
		}
	}
	r.voices = slices.DeleteFunc(r.voices, func(v voice) bool {
		return !v.mix(buf, ch)
	})
	r.produced = end
	r.rendered = until
}

func (r *Ring) trigger(ev *midiseq.Event, offset int) {
	if r.samples == nil {
		return
	}
	s := r.samples.Sample(ev.Key)
	if s == nil || s.Frames() == 0 {
		return
	}
	if len(r.voices) >= r.polyphony {
		r.log.WithField("key", r.voices[0].key).Debug("polyphony exceeded, dropping oldest voice")
		r.voices = slices.Delete(r.voices, 0, 1)
	}
	v := newVoice(s, ev.Key, ev.Value, r.format.SampleRate, 0, -1)
	v.offset = offset
	r.voices = append(r.voices, v)
}

// Dispatch hands the full fragments to submit in fragment order. A fragment
// is in flight while submit runs, so a device may complete it from inside
// Submit. On the first error the fragment goes back to the head of the full
// queue and the error is returned.
func (r *Ring) Dispatch(submit func(midiseq.FragmentID, []int16) error) (int, error) {
	n := 0
	for {
		r.mu.Lock()
		if len(r.full) == 0 {
			r.mu.Unlock()
			return n, nil
		}
		i := r.full[0]
		r.full = r.full[1:]
		r.inflight = append(r.inflight, i)
		id := r.id(i)
		r.mu.Unlock()

		if err := submit(id, r.frags[i]); err != nil {
			r.mu.Lock()
			if j := slices.Index(r.inflight, i); j >= 0 {
				r.inflight = slices.Delete(r.inflight, j, j+1)
				r.full = slices.Insert(r.full, 0, i)
			}
			r.mu.Unlock()
			return n, err
		}
		n++
	}
}

func (r *Ring) id(i int) midiseq.FragmentID {
	return midiseq.FragmentID(r.gen<<genShift | i)
}

// Release is the completion callback of the device: the fragment is no
// longer needed. It only queues the token; Reclaim makes the fragment free.
func (r *Ring) Release(id midiseq.FragmentID) {
	r.mu.Lock()
	r.returned = append(r.returned, id)
	r.mu.Unlock()
}

// Reclaim moves the released fragments back to the free queue and returns
// how many it moved. Tokens from before the last reset are ignored.
func (r *Ring) Reclaim() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, id := range r.returned {
		if int(id)>>genShift != r.gen {
			continue
		}
		i := int(id) & (1<<genShift - 1)
		j := slices.Index(r.inflight, i)
		if j < 0 {
			continue
		}
		r.inflight = slices.Delete(r.inflight, j, j+1)
		r.free = append(r.free, i)
		n++
	}
	r.returned = r.returned[:0]
	return n
}
