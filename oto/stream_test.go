package oto_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/midiseq/midiseq"
	"github.com/midiseq/midiseq/oto"
)

func sampleAt(p []byte, i int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(p[i*4:]))
}

func TestStreamPlaysInOrder(t *testing.T) {
	var done []midiseq.FragmentID
	s := oto.NewStream(4, 1, func(id midiseq.FragmentID) { done = append(done, id) })
	s.Submit(7, []int16{16384, 16384})
	s.Submit(8, []int16{-16384, -16384, 0, 0})
	s.Start()
	p := make([]byte, 3*4)
	if n, err := s.Read(p); n != len(p) || err != nil {
		t.Fatalf("Read = %d, %v", n, err)
	}
	if sampleAt(p, 0) != 0.5 || sampleAt(p, 2) != -0.5 {
		t.Fatalf("samples %v %v", sampleAt(p, 0), sampleAt(p, 2))
	}
	if len(done) != 1 || done[0] != 7 {
		t.Fatalf("done after first read = %v", done)
	}
	s.Read(p)
	if len(done) != 2 || done[1] != 8 {
		t.Fatalf("done after second read = %v", done)
	}
	if s.Played() != 6 {
		t.Fatalf("Played = %d, expected 6", s.Played())
	}
}

func TestStreamUnderrun(t *testing.T) {
	s := oto.NewStream(4, 1, nil)
	p := make([]byte, 16)
	s.Read(p)
	if err := s.Submit(1, []int16{1}); err != nil {
		t.Fatalf("silence before Start is not an under-run: %v", err)
	}
	s.Start()
	s.Read(p)
	if err := s.Submit(2, []int16{1}); !midiseq.IsUnderrun(err) {
		t.Fatalf("Submit after running dry = %v", err)
	}
	s.Prime()
	if err := s.Submit(2, []int16{1}); err != nil {
		t.Fatalf("Submit after Prime = %v", err)
	}
}

func TestStreamBusy(t *testing.T) {
	s := oto.NewStream(2, 1, nil)
	s.Submit(1, make([]int16, 8))
	s.Submit(2, make([]int16, 8))
	if err := s.Submit(3, make([]int16, 8)); !midiseq.IsBusy(err) {
		t.Fatalf("Submit on a full stream = %v", err)
	}
}

func TestStreamGainAndPeak(t *testing.T) {
	s := oto.NewStream(1, 0.5, nil)
	s.Submit(1, []int16{-32768, 16384})
	p := make([]byte, 8)
	s.Read(p)
	if sampleAt(p, 0) != -0.5 || sampleAt(p, 1) != 0.25 {
		t.Fatalf("gain not applied: %v %v", sampleAt(p, 0), sampleAt(p, 1))
	}
	if peak := s.Peak(); peak != 0.5 {
		t.Fatalf("Peak = %v", peak)
	}
	if peak := s.Peak(); peak != 0 {
		t.Fatalf("Peak not reset: %v", peak)
	}
}

func TestStreamCloseReturnsFragments(t *testing.T) {
	var done []midiseq.FragmentID
	s := oto.NewStream(4, 1, func(id midiseq.FragmentID) { done = append(done, id) })
	s.Submit(1, make([]int16, 8))
	s.Submit(2, make([]int16, 8))
	s.Close()
	if len(done) != 2 {
		t.Fatalf("Close returned %v", done)
	}
	if err := s.Submit(3, nil); err != midiseq.ErrClosed {
		t.Fatalf("Submit after Close = %v", err)
	}
}

func TestStreamDrop(t *testing.T) {
	var done []midiseq.FragmentID
	s := oto.NewStream(4, 1, func(id midiseq.FragmentID) { done = append(done, id) })
	s.Submit(1, []int16{100, 100, 100, 100})
	s.Submit(2, []int16{100, 100})
	s.Start()
	p := make([]byte, 2*4)
	s.Read(p)
	s.Drop()
	if len(done) != 2 || done[0] != 1 || done[1] != 2 {
		t.Fatalf("done after Drop = %v", done)
	}
	if s.Queued() != 0 {
		t.Fatalf("%d fragments queued after Drop", s.Queued())
	}
	if s.Played() != 2 {
		t.Fatalf("Played = %d, dropped samples must not count", s.Played())
	}
	if err := s.Submit(3, []int16{1}); err != nil {
		t.Fatalf("Submit after Drop = %v", err)
	}
}
