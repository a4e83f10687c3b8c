// Package smfsong plays Standard MIDI Files: it reads them with
// gitlab.com/gomidi/midi/v2/smf and offers the merged tracks as a
// midiseq.Song.
package smfsong

import (
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/midiseq/midiseq"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"
)

type (
	Song struct {
		ppq     int
		tempo   int
		events  []midiseq.Event
		end     midiseq.Clock
		setup   []midiseq.TrackSetup
		samples midiseq.SampleSet
		audioCh int // -1 when no channel plays samples
	}

	Options struct {
		// Samples is the sample library; notes on AudioChannel play from it
		// when audio is on.
		Samples midiseq.SampleSet
		// AudioChannel is the channel (1-16) of the sample track, 0 for
		// none.
		AudioChannel int
		// Devices spreads the tracks over the output ports, track i playing
		// on port i mod Devices. Zero or one keeps every track on port 0.
		Devices int
	}
)

var _ midiseq.Song = (*Song)(nil)

// ReadFile reads the song at path.
func ReadFile(path string, opts Options) (*Song, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	s, err := Read(f, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Read parses a Standard MIDI File. Only metric time formats are supported.
func Read(r io.Reader, opts Options) (*Song, error) {
	sm, err := smf.ReadFrom(r)
	if err != nil {
		return nil, fmt.Errorf("smf: %w", err)
	}
	return FromSMF(sm, opts)
}

// FromSMF builds a song from an already parsed file.
func FromSMF(sm *smf.SMF, opts Options) (*Song, error) {
	ticks, ok := sm.TimeFormat.(smf.MetricTicks)
	if !ok {
		return nil, fmt.Errorf("smf: unsupported time format %v", sm.TimeFormat)
	}
	return fromSMF(sm, int(ticks.Resolution()), opts), nil
}

func fromSMF(sm *smf.SMF, ppq int, opts Options) *Song {
	s := &Song{ppq: ppq, tempo: midiseq.DefaultTempo, samples: opts.Samples, audioCh: -1}
	if opts.AudioChannel >= 1 && opts.AudioChannel <= 16 {
		s.audioCh = opts.AudioChannel - 1
	}
	tempoSet := false
	for i, track := range sm.Tracks {
		device := 0
		if opts.Devices > 1 {
			device = i % opts.Devices
		}
		var abs midiseq.Clock
		for _, ev := range track {
			abs += midiseq.Clock(ev.Delta)
			var bpm float64
			if ev.Message.GetMetaTempo(&bpm) {
				us := midiseq.USPerQuarter(bpm)
				if abs == 0 && !tempoSet {
					s.tempo, tempoSet = us, true
					continue
				}
				s.events = append(s.events, midiseq.Event{Clock: abs, Kind: midiseq.Tempo, Value: us})
				continue
			}
			if ev.Message.IsMeta() {
				continue
			}
			e, ok := midiseq.EventFromMessage(midi.Message(ev.Message), abs, device)
			if !ok || e.Kind == midiseq.SysEx {
				continue
			}
			s.events = append(s.events, e)
		}
		s.end = max(s.end, abs)
	}
	slices.SortStableFunc(s.events, func(a, b midiseq.Event) int {
		if a.Clock < b.Clock {
			return -1
		}
		if a.Clock > b.Clock {
			return 1
		}
		return 0
	})
	s.setup = chase(s.events)
	return s
}

// chase collects per channel the program, volume and pan set before the
// first note, so that a start in the middle of the song sounds right.
func chase(events []midiseq.Event) []midiseq.TrackSetup {
	type key struct {
		device  int
		channel uint8
	}
	var order []key
	setups := map[key]*midiseq.TrackSetup{}
	noted := map[key]bool{}
	for _, ev := range events {
		k := key{ev.Device, ev.Channel}
		if noted[k] {
			continue
		}
		t, ok := setups[k]
		if !ok {
			t = &midiseq.TrackSetup{Device: ev.Device, Channel: ev.Channel, Program: -1, Volume: -1, Pan: -1, BendRange: -1}
			setups[k] = t
			order = append(order, k)
		}
		switch {
		case ev.Kind == midiseq.KeyOn:
			noted[k] = true
		case ev.Kind == midiseq.Program:
			t.Program = int(ev.Key)
		case ev.Kind == midiseq.Control && ev.Key == 7:
			t.Volume = ev.Value
		case ev.Kind == midiseq.Control && ev.Key == 10:
			t.Pan = ev.Value
		}
	}
	ret := make([]midiseq.TrackSetup, 0, len(order))
	for _, k := range order {
		ret = append(ret, *setups[k])
	}
	return ret
}

// MergeTracksInto implements midiseq.Song. The end marker is put when the
// range covers the end of the longest track.
func (s *Song) MergeTracksInto(buf *midiseq.EventBuffer, from, to midiseq.Clock, metronome midiseq.Metronome, offset midiseq.Clock, audio bool) {
	i, _ := slices.BinarySearchFunc(s.events, from, func(e midiseq.Event, c midiseq.Clock) int {
		if e.Clock < c {
			return -1
		}
		if e.Clock > c {
			return 1
		}
		return 0
	})
	sampled := s.Samples() != nil
	for ; i < len(s.events) && s.events[i].Clock < to; i++ {
		ev := s.events[i]
		if sampled && int(ev.Channel) == s.audioCh && (ev.Kind == midiseq.KeyOn || ev.Kind == midiseq.KeyOff) {
			if !audio {
				continue
			}
			ev.Device = midiseq.DeviceAudio
		}
		ev.Clock += offset
		buf.Put(&ev)
	}
	if metronome.Enabled {
		s.click(buf, from, to, metronome, offset)
	}
	if s.end >= from && s.end < to {
		buf.Put(&midiseq.Event{Clock: s.end + offset, Kind: midiseq.End})
	}
}

func (s *Song) click(buf *midiseq.EventBuffer, from, to midiseq.Clock, m midiseq.Metronome, offset midiseq.Clock) {
	beat := midiseq.Clock(s.ppq)
	first := (from + beat - 1) / beat * beat
	for c := first; c < to; c += beat {
		key := m.Key
		if m.BeatsPerBar > 0 && (c/beat)%midiseq.Clock(m.BeatsPerBar) == 0 {
			key = m.AccentKey
		}
		buf.Put(&midiseq.Event{
			Clock:   c + offset,
			Kind:    midiseq.KeyOn,
			Device:  m.Device,
			Channel: m.Channel,
			Key:     key,
			Value:   m.Velocity,
			Length:  beat / 4,
		})
	}
}

func (s *Song) Setup() []midiseq.TrackSetup { return s.setup }
func (s *Song) PPQ() int                    { return s.ppq }
func (s *Song) Tempo() int                  { return s.tempo }

// End is the clock of the last event of the longest track.
func (s *Song) End() midiseq.Clock { return s.end }

func (s *Song) Samples() midiseq.SampleSet {
	if s.samples == nil || s.audioCh < 0 {
		return nil
	}
	return s.samples
}
