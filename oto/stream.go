package oto

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/midiseq/midiseq"
	"github.com/viterin/vek/vek32"
)

type (
	// Stream is the io.Reader the audio player pulls from. Submitted
	// fragments are played back to back in submission order and handed to
	// the done callback once fully read; gaps are filled with silence.
	Stream struct {
		mu       sync.Mutex
		queue    []fragment
		max      int
		gain     float32
		started  bool
		starved  bool
		closed   bool
		played   int64
		peak     float32
		done     func(midiseq.FragmentID)
		floats   []float32
		abs      []float32
		finished []midiseq.FragmentID
	}

	fragment struct {
		id  midiseq.FragmentID
		pcm []int16
		pos int
	}
)

const bytesPerSample = 4 // float32

// NewStream returns a stream holding at most max fragments.
func NewStream(max int, gain float32, done func(midiseq.FragmentID)) *Stream {
	if max <= 0 {
		max = 4
	}
	if done == nil {
		done = func(midiseq.FragmentID) {}
	}
	return &Stream{max: max, gain: gain, done: done}
}

// Submit queues a fragment. The stream owns pcm until done is called.
func (s *Stream) Submit(id midiseq.FragmentID, pcm []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return midiseq.ErrClosed
	case s.starved:
		return midiseq.ErrUnderrun
	case len(s.queue) >= s.max:
		return midiseq.ErrBusy
	}
	s.queue = append(s.queue, fragment{id: id, pcm: pcm})
	return nil
}

// Start makes running dry count as an under-run.
func (s *Stream) Start() {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
}

// Prime clears the under-run condition.
func (s *Stream) Prime() {
	s.mu.Lock()
	s.starved = false
	s.mu.Unlock()
}

// Played returns the number of interleaved samples read so far, silence not
// included.
func (s *Stream) Played() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.played
}

// Queued returns the number of fragments not yet fully read.
func (s *Stream) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Peak returns the largest absolute output value since the last call.
func (s *Stream) Peak() float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.peak
	s.peak = 0
	return p
}

func (s *Stream) Read(p []byte) (int, error) {
	n := len(p) / bytesPerSample
	if n == 0 {
		return 0, nil
	}
	s.mu.Lock()
	if cap(s.floats) < n {
		s.floats = make([]float32, n)
		s.abs = make([]float32, n)
	}
	floats := s.floats[:n]
	filled := 0
	for filled < n && len(s.queue) > 0 {
		f := &s.queue[0]
		k := min(n-filled, len(f.pcm)-f.pos)
		for i, v := range f.pcm[f.pos : f.pos+k] {
			floats[filled+i] = float32(v) / 32768
		}
		filled += k
		f.pos += k
		if f.pos == len(f.pcm) {
			s.finished = append(s.finished, f.id)
			s.queue = s.queue[1:]
		}
	}
	if filled < n && s.started && !s.closed {
		s.starved = true
	}
	s.played += int64(filled)
	clear(floats[filled:])
	if s.gain != 1 {
		vek32.MulNumber_Inplace(floats[:filled], s.gain)
	}
	if filled > 0 {
		abs := s.abs[:filled]
		copy(abs, floats[:filled])
		vek32.Abs_Inplace(abs)
		s.peak = max(s.peak, vek32.Max(abs))
	}
	for i, v := range floats {
		binary.LittleEndian.PutUint32(p[i*bytesPerSample:], math.Float32bits(v))
	}
	finished := s.finished
	s.finished = nil
	s.mu.Unlock()

	// the callback takes the ring's lock; never call it with ours held
	for _, id := range finished {
		s.done(id)
	}
	return n * bytesPerSample, nil
}

// Drop returns every queued fragment through done without playing the rest
// of it. The stream keeps running on silence until the next Submit.
func (s *Stream) Drop() {
	s.mu.Lock()
	ids := s.takeQueue()
	s.starved = false
	s.mu.Unlock()
	for _, id := range ids {
		s.done(id)
	}
}

// Close returns every queued fragment through done and rejects further
// submits.
func (s *Stream) Close() {
	s.mu.Lock()
	s.closed = true
	ids := s.takeQueue()
	s.mu.Unlock()
	for _, id := range ids {
		s.done(id)
	}
}

func (s *Stream) takeQueue() []midiseq.FragmentID {
	var ids []midiseq.FragmentID
	for _, f := range s.queue {
		ids = append(ids, f.id)
	}
	s.queue = nil
	return ids
}
