// Package engine drives playback: it pulls events from the song a window
// ahead of the transport clock, schedules them on the MIDI transport, feeds
// the audio ring and keeps the two clock domains together.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/midiseq/midiseq"
	"github.com/midiseq/midiseq/audio"
	"github.com/sirupsen/logrus"
)

type (
	// Engine is the playback engine. It is driven by Notify, which Run calls
	// periodically; all methods may be called from any goroutine.
	Engine struct {
		opts   Options
		log    logrus.FieldLogger
		song   midiseq.Song
		midi   midiseq.Transport
		audio  midiseq.AudioTransport
		broker *Broker

		mu          sync.Mutex
		state       State
		caps        Capabilities
		out         midiseq.Transport      // midi, or a null stand-in
		aout        midiseq.AudioTransport // nil when audio is off
		mapper      midiseq.ClockMapper
		events      *midiseq.EventBuffer
		audioEvents *midiseq.EventBuffer
		record      *midiseq.EventBuffer
		ring        *audio.Ring
		audioBase   int64 // aout.Played() at the last reset
		winStart    midiseq.Clock
		winEnd      midiseq.Clock
		playPos     midiseq.Clock
		endAt       midiseq.Clock // clock of the song end marker, -1 if not seen
		sync        syncState
		alerted     map[string]bool
		thruCancel  context.CancelFunc
	}

	Options struct {
		// Prime is the lookahead materialized on start.
		Prime midiseq.Clock
		// Margin is how close the playback instant may get to the window end
		// before the window is extended by Increment.
		Margin    midiseq.Clock
		Increment midiseq.Clock
		// TickInterval is the period of Notify when driven by Run.
		TickInterval time.Duration
		Audio        AudioOptions
		Sync         SyncOptions
		Record       RecordOptions
		// Thru echoes the MIDI input to the output with a worker of its own.
		Thru      bool
		Metronome midiseq.Metronome
		Log       logrus.FieldLogger
	}

	AudioOptions struct {
		Format    midiseq.AudioFormat
		Fragments int
		Polyphony int
	}

	// Capabilities tells which outputs are live in the session.
	Capabilities struct {
		MIDI  bool
		Audio bool
	}

	State int
)

const (
	Idle State = iota
	Playing
	Listening
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Playing:
		return "playing"
	case Listening:
		return "listening"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// DefaultOptions returns the timing the engine was tuned with.
func DefaultOptions() Options {
	return Options{
		Prime:        720,
		Margin:       480,
		Increment:    960,
		TickInterval: 10 * time.Millisecond,
		Audio: AudioOptions{
			Format:    midiseq.AudioFormat{SampleRate: 44100, Channels: 2, FragmentFrames: 1024},
			Fragments: 16,
			Polyphony: audio.DefaultPolyphony,
		},
		Sync: SyncOptions{Every: 8, Tolerance: 2, MaxCorrection: 1, Horizon: 960},
	}
}

// New returns an idle engine. A nil midi transport plays nothing on MIDI; a
// nil audio transport disables the sample tracks.
func New(song midiseq.Song, midi midiseq.Transport, out midiseq.AudioTransport, broker *Broker, opts Options) *Engine {
	def := DefaultOptions()
	if opts.Prime <= 0 {
		opts.Prime = def.Prime
	}
	if opts.Margin <= 0 {
		opts.Margin = def.Margin
	}
	if opts.Increment <= 0 {
		opts.Increment = def.Increment
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = def.TickInterval
	}
	if opts.Audio.Format.SampleRate <= 0 {
		opts.Audio.Format = def.Audio.Format
	}
	if opts.Audio.Fragments <= 0 {
		opts.Audio.Fragments = def.Audio.Fragments
	}
	if opts.Sync.Every <= 0 {
		opts.Sync = def.Sync
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if midi == nil {
		midi = midiseq.NullTransport{}
	}
	if broker == nil {
		broker = NewBroker()
	}
	log := opts.Log.WithField("component", "engine")
	return &Engine{
		opts:        opts,
		log:         log,
		song:        song,
		midi:        midi,
		audio:       out,
		broker:      broker,
		out:         midiseq.NullTransport{},
		events:      midiseq.NewEventBuffer(1024),
		audioEvents: midiseq.NewEventBuffer(256),
		ring:        audio.NewRing(opts.Audio.Fragments, opts.Audio.Polyphony, log),
		endAt:       -1,
	}
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Window returns the lookahead window materialized last.
func (e *Engine) Window() (from, to midiseq.Clock) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.winStart, e.winEnd
}

// Position returns the song position of the last tick.
func (e *Engine) Position() midiseq.Clock {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Playing {
		return -1
	}
	return e.mapper.ToInternal(e.playPos)
}

// StartPlay starts playback at clock. With loopEnd > clock, the song range
// [clock, loopEnd) repeats. Unless cont is set, the per-track state is sent
// first. Devices that cannot be opened are left out of the session.
func (e *Engine) StartPlay(clock, loopEnd midiseq.Clock, cont bool) Capabilities {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case Playing:
		e.stopLocked(false)
	case Listening:
		e.stopListen()
	}
	e.alerted = make(map[string]bool)
	e.mapper.Set(clock, loopEnd)
	e.endAt = -1
	e.caps = Capabilities{}
	log := e.log.WithField("clock", clock)

	mode := midiseq.ModePlay
	if e.opts.Record.Enabled {
		mode = midiseq.ModeRecord
		e.record = midiseq.NewEventBuffer(256)
	}
	e.out = midiseq.NullTransport{}
	if _, null := e.midi.(midiseq.NullTransport); !null {
		if err := e.midi.Open(mode, midiseq.SyncTrigger); err != nil {
			e.alert("midi", Error, "MIDI output disabled", err)
		} else {
			e.out = e.midi
			e.caps.MIDI = true
		}
	}
	tempo := e.song.Tempo()
	e.sync.reset(tempo)
	e.send(&midiseq.Event{Kind: midiseq.Tempo, Value: tempo})
	if !cont {
		for _, t := range e.song.Setup() {
			for _, ev := range t.Events() {
				e.send(&ev)
			}
		}
	}

	e.aout = nil
	e.audioBase = 0
	if samples := e.song.Samples(); e.audio != nil && samples != nil {
		format, err := e.audio.Open(e.opts.Audio.Format, midiseq.SyncTrigger, e.ring.Release)
		if err != nil {
			e.alert("audio", Error, "audio output disabled", err)
		} else {
			e.ring.Configure(format, samples)
			e.aout = e.audio
			e.caps.Audio = true
		}
	}

	e.playPos = clock
	e.prime(clock)
	e.flushDue()
	e.out.Flush(e.winEnd)
	if err := e.out.Start(clock); err != nil {
		log.WithError(err).Warn("MIDI transport did not start")
	}
	if e.aout != nil {
		if err := e.aout.Start(); err != nil {
			e.degradeAudio(err)
		}
	}
	if e.opts.Thru {
		if tap, ok := e.out.(midiseq.Tapper); ok && tap.Tap() != nil {
			ctx, cancel := context.WithCancel(context.Background())
			e.thruCancel = cancel
			go Thru(ctx, tap.Tap(), e.out, e.log)
		}
	}
	e.state = Playing
	log.WithFields(logrus.Fields{"midi": e.caps.MIDI, "audio": e.caps.Audio}).Info("playback started")
	return e.caps
}

// prime drops every buffered event and materializes [at, at+Prime).
func (e *Engine) prime(at midiseq.Clock) {
	e.events.Reset()
	e.audioEvents.Reset()
	e.winStart, e.winEnd = at, at
	e.extend(at + e.opts.Prime)
	if e.aout != nil {
		e.ring.ResetBuffers(at, midiseq.TicksPerMinute(e.song.PPQ(), e.sync.baseTempo))
		e.pumpAudio()
	}
}

// extend materializes [winEnd, to) and makes it the current window.
func (e *Engine) extend(to midiseq.Clock) {
	for ext := e.winEnd; ext < to; {
		in := e.mapper.ToInternal(ext)
		n := e.mapper.Segment(ext, to-ext)
		e.song.MergeTracksInto(e.events, in, in+n, e.opts.Metronome, ext-in, e.aout != nil)
		ext += n
	}
	if e.aout != nil {
		e.events.MoveTo(e.audioEvents, func(ev *midiseq.Event) bool { return ev.Device == midiseq.DeviceAudio })
		e.audioEvents.Sort()
	}
	e.events.Sort()
	e.events.ExpandLengths()
	e.winStart, e.winEnd = e.winEnd, to
}

// Notify is the periodic tick.
func (e *Engine) Notify() {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case Playing:
		e.tick()
	case Listening:
		e.listenTick()
	}
}

func (e *Engine) tick() {
	if !e.caps.MIDI && e.aout == nil {
		// no output is live, nothing moves the clock
		return
	}
	now := e.out.ReadClock(e.receive)
	if now == midiseq.ClockStop {
		e.log.Info("transport stopped")
		e.stopLocked(true)
		return
	}
	if !e.caps.MIDI && e.aout != nil {
		now = e.audioClock()
	}
	if now < e.playPos {
		e.log.WithFields(logrus.Fields{"clock": now, "was": e.playPos}).Info("transport rewound")
		e.reset(now)
	}
	e.playPos = now
	if e.endAt >= 0 && now >= e.endAt {
		e.log.WithField("clock", now).Info("end of song")
		e.stopLocked(true)
		return
	}
	TrySend(e.broker.ToUI, any(PositionMsg{Clock: e.mapper.ToInternal(now)}))

	if now > e.winEnd-e.opts.Margin {
		e.extend(e.winEnd + e.opts.Increment)
	}
	e.pumpAudio()
	if e.events.HasDue(e.winEnd) {
		e.flushDue()
	}
	if err := e.out.Flush(e.winEnd); err != nil {
		e.log.WithError(err).Debug("heartbeat not scheduled")
	}
	e.events.Cleanup(false)
	e.audioEvents.Cleanup(false)
	e.reconcile(now)
}

// reset restarts the session at clock, dropping everything in flight. The
// audio device keeps running; its sample count restarts at the reset.
func (e *Engine) reset(at midiseq.Clock) {
	e.out.Halt()
	e.playPos = at
	e.endAt = -1
	if e.aout != nil {
		if d, ok := e.aout.(midiseq.Dropper); ok {
			d.Drop()
		}
		e.audioBase = e.aout.Played()
	}
	e.sync.reset(e.sync.baseTempo)
	e.send(&midiseq.Event{Clock: at, Kind: midiseq.Tempo, Value: e.sync.baseTempo})
	e.prime(at)
	e.flushDue()
	e.out.Flush(e.winEnd)
	e.out.Start(at)
}

// Seek moves the playback to clock.
func (e *Engine) Seek(clock midiseq.Clock) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Playing {
		return
	}
	e.log.WithField("clock", clock).Info("seek")
	e.reset(clock)
}

// flushDue schedules the unconsumed events of the window in clock order. A
// busy transport keeps the rest for the next tick.
func (e *Engine) flushDue() {
	for ev := range e.events.Pending(e.winEnd) {
		if ev.Kind == midiseq.End {
			ev.Consumed = true
			if e.endAt < 0 {
				e.endAt = ev.Clock
			}
			continue
		}
		err := e.out.SendScheduled(ev)
		if midiseq.IsBusy(err) {
			e.log.WithField("clock", ev.Clock).Debug("transport busy, retrying next tick")
			return
		}
		if err != nil {
			e.log.WithError(err).WithField("event", ev.String()).Warn("event dropped")
		}
		ev.Consumed = true
	}
}

// send transmits ev at once, logging failures.
func (e *Engine) send(ev *midiseq.Event) {
	if err := e.out.SendNow(ev); err != nil {
		e.log.WithError(err).WithField("event", ev.String()).Warn("immediate send failed")
	}
}

func (e *Engine) pumpAudio() {
	if e.aout == nil {
		return
	}
	e.ring.Reclaim()
	e.ring.FillAhead(e.winEnd-e.ring.FragmentTicks(), e.audioEvents)
	_, err := e.ring.Dispatch(e.aout.Submit)
	if midiseq.IsUnderrun(err) {
		e.log.WithField("rendered", e.ring.RenderedClock()).Warn("audio under-run, priming the device")
		if err = e.aout.Prime(); err == nil {
			_, err = e.ring.Dispatch(e.aout.Submit)
		}
	}
	if err != nil && !midiseq.IsBusy(err) && !midiseq.IsUnderrun(err) {
		e.degradeAudio(err)
	}
}

// audioPlayed returns the samples played since the last reset.
func (e *Engine) audioPlayed() int64 {
	return max(e.aout.Played()-e.audioBase, 0)
}

func (e *Engine) audioClock() midiseq.Clock {
	return e.ring.Origin() + e.ring.SamplesToTicks(e.audioPlayed())
}

func (e *Engine) degradeAudio(err error) {
	e.alert("audio", Error, "audio output failed", err)
	e.aout.Close(false)
	e.aout = nil
	e.caps.Audio = false
	e.audioEvents.Reset()
}

// alert reports a problem once per name and session.
func (e *Engine) alert(name string, p AlertPriority, msg string, err error) {
	e.log.WithError(err).WithField("capability", name).Error(msg)
	if e.alerted[name] {
		return
	}
	e.alerted[name] = true
	TrySend(e.broker.ToUI, any(Alert{Name: name, Message: fmt.Sprintf("%s: %v", msg, err), Priority: p}))
}

// StopPlay stops playback and returns the capabilities the session ended
// with and the recorded events, if recording.
func (e *Engine) StopPlay() (Capabilities, *midiseq.EventBuffer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Listening {
		e.stopListen()
		return e.caps, nil
	}
	if e.state != Playing {
		return e.caps, nil
	}
	return e.stopLocked(true)
}

func (e *Engine) stopLocked(drain bool) (Capabilities, *midiseq.EventBuffer) {
	caps := e.caps
	if e.thruCancel != nil {
		e.thruCancel()
		e.thruCancel = nil
	}
	e.out.Halt()
	for dev := 0; dev < e.out.Devices(); dev++ {
		for _, ev := range midiseq.AllNotesOff(dev) {
			e.send(&ev)
		}
	}
	if err := e.out.Close(drain); err != nil {
		e.log.WithError(err).Warn("closing MIDI transport")
	}
	if e.aout != nil {
		if err := e.aout.Close(drain); err != nil {
			e.log.WithError(err).Warn("closing audio transport")
		}
	}
	e.out, e.aout = midiseq.NullTransport{}, nil
	e.events.Reset()
	e.audioEvents.Reset()

	rec := e.record
	e.record = nil
	if rec != nil {
		rec.Keyoff2Length(e.mapper.ToInternal(e.playPos))
		TrySend(e.broker.ToUI, any(RecordingMsg{Events: rec}))
	}
	e.state = Idle
	TrySend(e.broker.ToUI, any(PositionMsg{Clock: -1}))
	e.log.WithField("clock", e.playPos).Info("playback stopped")
	return caps, rec
}

// Panic drops all pending output at once and silences every device.
func (e *Engine) Panic() {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case Playing:
		e.log.Warn("panic")
		e.stopLocked(false)
	case Listening:
		e.stopListen()
	}
}

// Run calls Notify every TickInterval until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Notify()
		}
	}
}
