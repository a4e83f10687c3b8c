package engine

import (
	"math"

	"github.com/midiseq/midiseq"
	"github.com/sirupsen/logrus"
)

type (
	// SyncOptions tune the soft sync of the MIDI clock to the audio clock.
	SyncOptions struct {
		// Every is the number of Notify calls between two comparisons.
		Every int
		// Tolerance is the divergence in ticks left alone.
		Tolerance midiseq.Clock
		// MaxCorrection bounds a single tempo adjustment, in bpm.
		MaxCorrection float64
		// Horizon is the number of ticks over which a divergence should be
		// caught up.
		Horizon midiseq.Clock
	}

	syncState struct {
		baseTempo int     // tempo of the song, µs per quarter
		bpm       float64 // tempo the MIDI transport currently runs at
		ticks     int
	}
)

func (s *syncState) reset(usPerQuarter int) {
	if usPerQuarter <= 0 {
		usPerQuarter = midiseq.DefaultTempo
	}
	s.baseTempo = usPerQuarter
	s.bpm = midiseq.BPM(usPerQuarter)
	s.ticks = 0
}

// Correction returns the tempo the MIDI transport should run at when the
// audio clock is ahead of it by diff ticks. The tempo that would catch up
// over horizon ticks is approached by at most maxStep bpm from current.
func Correction(current, base float64, diff, horizon midiseq.Clock, maxStep float64) float64 {
	if horizon <= 0 {
		horizon = 1
	}
	target := base * (1 + float64(diff)/float64(horizon))
	if maxStep <= 0 {
		return current
	}
	return math.Max(current-maxStep, math.Min(current+maxStep, target))
}

// reconcile nudges the MIDI tempo towards the audio clock. Only sessions
// with both outputs running in real time take part.
func (e *Engine) reconcile(now midiseq.Clock) {
	if !e.caps.MIDI || e.aout == nil {
		return
	}
	if rt, ok := e.aout.(interface{ Realtime() bool }); ok && !rt.Realtime() {
		return
	}
	e.sync.ticks++
	if e.sync.ticks%e.opts.Sync.Every != 0 {
		return
	}
	if e.audioPlayed() == 0 {
		return
	}
	diff := e.audioClock() - now
	if diff <= e.opts.Sync.Tolerance && diff >= -e.opts.Sync.Tolerance {
		diff = 0
	}
	base := midiseq.BPM(e.sync.baseTempo)
	bpm := Correction(e.sync.bpm, base, diff, e.opts.Sync.Horizon, e.opts.Sync.MaxCorrection)
	if math.Abs(bpm-e.sync.bpm) < 1e-3 {
		return
	}
	e.log.WithFields(logrus.Fields{"clock": now, "diff": diff, "bpm": bpm}).Debug("tempo correction")
	e.sync.bpm = bpm
	e.send(&midiseq.Event{Clock: now, Kind: midiseq.Tempo, Value: midiseq.USPerQuarter(bpm)})
}
