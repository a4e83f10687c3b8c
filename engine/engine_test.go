package engine_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/midiseq/midiseq"
	"github.com/midiseq/midiseq/engine"
	"github.com/sirupsen/logrus"
)

type fakeTransport struct {
	openErr   error
	mode      midiseq.OpenMode
	clock     midiseq.Clock
	stop      bool
	inbound   []midiseq.Event
	busy      int
	scheduled []midiseq.Event
	now       []midiseq.Event
	flushed   midiseq.Clock
	started   []midiseq.Clock
	halts     int
	closed    []bool
}

func (f *fakeTransport) Open(mode midiseq.OpenMode, _ midiseq.SyncMode) error {
	f.mode = mode
	return f.openErr
}

func (f *fakeTransport) Start(at midiseq.Clock) error {
	f.started = append(f.started, at)
	return nil
}

func (f *fakeTransport) Halt() error {
	f.halts++
	return nil
}

func (f *fakeTransport) SendNow(ev *midiseq.Event) error {
	f.now = append(f.now, *ev)
	return nil
}

func (f *fakeTransport) SendScheduled(ev *midiseq.Event) error {
	if f.busy > 0 {
		f.busy--
		return midiseq.ErrBusy
	}
	f.scheduled = append(f.scheduled, *ev)
	return nil
}

func (f *fakeTransport) Flush(upTo midiseq.Clock) error {
	f.flushed = upTo
	return nil
}

func (f *fakeTransport) ReadClock(received func(midiseq.Event)) midiseq.Clock {
	for _, ev := range f.inbound {
		received(ev)
	}
	f.inbound = nil
	if f.stop {
		return midiseq.ClockStop
	}
	return f.clock
}

func (f *fakeTransport) Devices() int { return 1 }

func (f *fakeTransport) Close(drain bool) error {
	f.closed = append(f.closed, drain)
	return nil
}

func (f *fakeTransport) scheduledClocks() []midiseq.Clock {
	var ret []midiseq.Clock
	for _, ev := range f.scheduled {
		ret = append(ret, ev.Clock)
	}
	return ret
}

type fakeAudio struct {
	openErr   error
	done      func(midiseq.FragmentID)
	submitted []midiseq.FragmentID
	played    int64
	drops     int
	closed    []bool
}

func (a *fakeAudio) Open(want midiseq.AudioFormat, _ midiseq.SyncMode, done func(midiseq.FragmentID)) (midiseq.AudioFormat, error) {
	a.done = done
	return want, a.openErr
}

func (a *fakeAudio) Start() error { return nil }
func (a *fakeAudio) Prime() error { return nil }

func (a *fakeAudio) Submit(id midiseq.FragmentID, _ []int16) error {
	a.submitted = append(a.submitted, id)
	return nil
}

func (a *fakeAudio) Played() int64 { return a.played }

func (a *fakeAudio) Drop() {
	a.drops++
	a.releaseAll()
}

func (a *fakeAudio) Close(drain bool) error {
	a.closed = append(a.closed, drain)
	return nil
}

// releaseAll completes every submitted fragment.
func (a *fakeAudio) releaseAll() {
	for _, id := range a.submitted {
		a.done(id)
	}
	a.submitted = nil
}

// fakeSong returns its events shifted by the offset asked for.
type fakeSong struct {
	events  []midiseq.Event
	setup   []midiseq.TrackSetup
	samples midiseq.SampleSet
}

func (s *fakeSong) MergeTracksInto(buf *midiseq.EventBuffer, from, to midiseq.Clock, _ midiseq.Metronome, offset midiseq.Clock, audio bool) {
	for _, ev := range s.events {
		if ev.Clock < from || ev.Clock >= to {
			continue
		}
		if ev.Device == midiseq.DeviceAudio && !audio {
			continue
		}
		ev.Clock += offset
		buf.Put(&ev)
	}
}

func (s *fakeSong) Setup() []midiseq.TrackSetup { return s.setup }
func (s *fakeSong) PPQ() int                    { return 96 }
func (s *fakeSong) Tempo() int                  { return midiseq.DefaultTempo }
func (s *fakeSong) Samples() midiseq.SampleSet  { return s.samples }

func quiet() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newEngine(song *fakeSong, tr *fakeTransport, out *fakeAudio, opts engine.Options) (*engine.Engine, *engine.Broker) {
	opts.Log = quiet()
	broker := engine.NewBroker()
	var a midiseq.AudioTransport
	if out != nil {
		a = out
	}
	return engine.New(song, tr, a, broker, opts), broker
}

func note(clock midiseq.Clock, key uint8, length midiseq.Clock) midiseq.Event {
	return midiseq.Event{Clock: clock, Kind: midiseq.KeyOn, Key: key, Value: 100, Length: length}
}

func messages(b *engine.Broker) []any {
	var ret []any
	for {
		select {
		case m := <-b.ToUI:
			ret = append(ret, m)
		default:
			return ret
		}
	}
}

func TestLookaheadWindow(t *testing.T) {
	tr := &fakeTransport{}
	e, _ := newEngine(&fakeSong{}, tr, nil, engine.Options{})
	if caps := e.StartPlay(0, 0, false); !caps.MIDI || caps.Audio {
		t.Fatalf("capabilities %+v", caps)
	}
	check := func(clock, from, to midiseq.Clock) {
		t.Helper()
		tr.clock = clock
		e.Notify()
		if f, l := e.Window(); f != from || l != to {
			t.Fatalf("at clock %d the window is [%d, %d), expected [%d, %d)", clock, f, l, from, to)
		}
	}
	check(0, 0, 720)
	check(200, 0, 720)
	check(240, 0, 720)
	check(241, 720, 1680)
	if tr.flushed != 1680 {
		t.Fatalf("heartbeats flushed up to %d, expected the window end", tr.flushed)
	}
	if len(tr.started) != 1 || tr.started[0] != 0 {
		t.Fatalf("transport started at %v", tr.started)
	}
}

func TestStartSendsSetupAndSchedulesInOrder(t *testing.T) {
	tr := &fakeTransport{}
	song := &fakeSong{
		events: []midiseq.Event{note(100, 60, 50), note(10, 62, 0)},
		setup:  []midiseq.TrackSetup{{Program: 5, Volume: -1, Pan: -1, BendRange: -1}},
	}
	e, _ := newEngine(song, tr, nil, engine.Options{})
	e.StartPlay(0, 0, false)
	if len(tr.now) != 2 || tr.now[0].Kind != midiseq.Tempo || tr.now[1].Kind != midiseq.Program || tr.now[1].Key != 5 {
		t.Fatalf("sent at once: %v", tr.now)
	}
	if got := tr.scheduledClocks(); !slices.Equal(got, []midiseq.Clock{10, 100, 150}) {
		t.Fatalf("scheduled %v", got)
	}
	if off := tr.scheduled[2]; off.Kind != midiseq.KeyOff || off.Key != 60 {
		t.Fatalf("expected the key-off of the long note, got %v", &off)
	}

	tr2 := &fakeTransport{}
	e2, _ := newEngine(song, tr2, nil, engine.Options{})
	e2.StartPlay(0, 0, true)
	if len(tr2.now) != 1 {
		t.Fatalf("continuing resent the track state: %v", tr2.now)
	}
}

func TestBusyEventIsRetried(t *testing.T) {
	tr := &fakeTransport{busy: 1}
	song := &fakeSong{events: []midiseq.Event{note(10, 60, 0), note(20, 61, 0)}}
	e, _ := newEngine(song, tr, nil, engine.Options{})
	e.StartPlay(0, 0, false)
	if len(tr.scheduled) != 0 {
		t.Fatalf("events scheduled past a busy result: %v", tr.scheduledClocks())
	}
	e.Notify()
	if got := tr.scheduledClocks(); !slices.Equal(got, []midiseq.Clock{10, 20}) {
		t.Fatalf("after the retry: %v", got)
	}
	e.Notify()
	if len(tr.scheduled) != 2 {
		t.Fatalf("events sent twice: %v", tr.scheduledClocks())
	}
}

func TestLoopWrap(t *testing.T) {
	tr := &fakeTransport{clock: 480}
	song := &fakeSong{events: []midiseq.Event{note(100, 1, 0), note(500, 2, 0), note(900, 3, 0)}}
	e, broker := newEngine(song, tr, nil, engine.Options{})
	e.StartPlay(480, 960, true)
	if got := tr.scheduledClocks(); !slices.Equal(got, []midiseq.Clock{500, 900, 980}) {
		t.Fatalf("primed %v", got)
	}
	messages(broker)
	tr.clock = 1000
	e.Notify()
	want := []midiseq.Clock{500, 900, 980, 1380, 1460, 1860, 1940}
	if got := tr.scheduledClocks(); !slices.Equal(got, want) {
		t.Fatalf("scheduled %v, expected %v", got, want)
	}
	if pos := e.Position(); pos != 520 {
		t.Fatalf("position %d, expected 520", pos)
	}
	msgs := messages(broker)
	if len(msgs) == 0 || msgs[0] != any(engine.PositionMsg{Clock: 520}) {
		t.Fatalf("broker got %v", msgs)
	}
}

func TestRewindReprimes(t *testing.T) {
	tr := &fakeTransport{}
	song := &fakeSong{events: []midiseq.Event{note(10, 60, 0), note(400, 61, 0)}}
	e, _ := newEngine(song, tr, nil, engine.Options{})
	e.StartPlay(0, 0, true)
	tr.clock = 500
	e.Notify()
	tr.scheduled = nil
	tr.clock = 300
	e.Notify()
	if tr.halts == 0 {
		t.Fatalf("rewind did not halt the transport")
	}
	if got := tr.scheduledClocks(); !slices.Equal(got, []midiseq.Clock{400}) {
		t.Fatalf("after rewinding to 300: %v", got)
	}
	if f, _ := e.Window(); f != 300 {
		t.Fatalf("window starts at %d", f)
	}
	if last := tr.started[len(tr.started)-1]; last != 300 {
		t.Fatalf("transport restarted at %d", last)
	}
}

func TestStopSentinel(t *testing.T) {
	tr := &fakeTransport{}
	e, broker := newEngine(&fakeSong{}, tr, nil, engine.Options{})
	e.StartPlay(0, 0, true)
	tr.stop = true
	e.Notify()
	if e.State() != engine.Idle {
		t.Fatalf("state %v after a stop from the transport", e.State())
	}
	if len(tr.closed) != 1 {
		t.Fatalf("transport closed %d times", len(tr.closed))
	}
	offs := 0
	for _, ev := range tr.now {
		if ev.Kind == midiseq.Control && ev.Key == 123 {
			offs++
		}
	}
	if offs != 16 {
		t.Fatalf("all-notes-off sent on %d channels", offs)
	}
	msgs := messages(broker)
	if msgs[len(msgs)-1] != any(engine.PositionMsg{Clock: -1}) {
		t.Fatalf("last message %v", msgs[len(msgs)-1])
	}
}

func TestEndOfSong(t *testing.T) {
	tr := &fakeTransport{}
	song := &fakeSong{events: []midiseq.Event{note(10, 60, 0), {Clock: 300, Kind: midiseq.End}}}
	e, _ := newEngine(song, tr, nil, engine.Options{})
	e.StartPlay(0, 0, true)
	tr.clock = 299
	e.Notify()
	if e.State() != engine.Playing {
		t.Fatalf("stopped before the end")
	}
	tr.clock = 300
	e.Notify()
	if e.State() != engine.Idle {
		t.Fatalf("still playing past the end")
	}
	if !tr.closed[0] {
		t.Fatalf("the end of the song should drain the output")
	}
}

func TestRecordingHandoff(t *testing.T) {
	tr := &fakeTransport{}
	e, broker := newEngine(&fakeSong{}, tr, nil, engine.Options{Record: engine.RecordOptions{Enabled: true}})
	e.StartPlay(0, 0, true)
	if tr.mode != midiseq.ModeRecord {
		t.Fatalf("transport opened without input")
	}
	tr.inbound = []midiseq.Event{
		{Clock: 100, Kind: midiseq.KeyOn, Key: 60, Value: 90},
		{Clock: 150, Kind: midiseq.KeyOff, Key: 60},
		{Clock: 160, Kind: midiseq.KeyOn, Key: 64, Value: 90},
	}
	tr.clock = 200
	e.Notify()
	caps, rec := e.StopPlay()
	if !caps.MIDI {
		t.Fatalf("capabilities %+v", caps)
	}
	if rec == nil || rec.Len() != 2 {
		t.Fatalf("recorded %v", rec)
	}
	if ev := rec.At(0); ev.Key != 60 || ev.Length != 50 {
		t.Fatalf("first note %v", ev)
	}
	if ev := rec.At(1); ev.Key != 64 || ev.Length != 40 {
		t.Fatalf("held note should end at the stop position: %v", ev)
	}
	found := false
	for _, m := range messages(broker) {
		if r, ok := m.(engine.RecordingMsg); ok && r.Events == rec {
			found = true
		}
	}
	if !found {
		t.Fatalf("recording not published")
	}
}

func TestDegradedOpen(t *testing.T) {
	tr := &fakeTransport{openErr: midiseq.Unavailable(errors.New("no such port"), "open")}
	out := &fakeAudio{openErr: midiseq.ConfigMismatch("48000 only")}
	song := &fakeSong{
		events:  []midiseq.Event{note(10, 60, 0)},
		samples: midiseq.SampleMap{},
	}
	e, broker := newEngine(song, tr, out, engine.Options{})
	caps := e.StartPlay(0, 0, false)
	if caps.MIDI || caps.Audio {
		t.Fatalf("capabilities %+v after failed opens", caps)
	}
	if e.State() != engine.Playing {
		t.Fatalf("a failed open must not abort playback")
	}
	if len(tr.scheduled) != 0 {
		t.Fatalf("events went to a transport that failed to open")
	}
	var names []string
	for _, m := range messages(broker) {
		if a, ok := m.(engine.Alert); ok {
			names = append(names, a.Name)
		}
	}
	if !slices.Equal(names, []string{"midi", "audio"}) {
		t.Fatalf("alerts %v", names)
	}
	e.Notify()
	e.StopPlay()
}

func constSample(v int16, frames int) *midiseq.Sample {
	data := make([]int16, frames*2)
	for i := range data {
		data[i] = v
	}
	return &midiseq.Sample{Data: data, Channels: 2, SampleRate: 44100}
}

func TestAudioSession(t *testing.T) {
	tr := &fakeTransport{}
	out := &fakeAudio{}
	song := &fakeSong{
		events: []midiseq.Event{
			{Clock: 0, Kind: midiseq.KeyOn, Device: midiseq.DeviceAudio, Key: 1, Value: 127},
			note(10, 60, 0),
		},
		samples: midiseq.SampleMap{1: constSample(100, 4000)},
	}
	e, _ := newEngine(song, tr, out, engine.Options{})
	caps := e.StartPlay(0, 0, false)
	if !caps.Audio || !caps.MIDI {
		t.Fatalf("capabilities %+v", caps)
	}
	if got := tr.scheduledClocks(); !slices.Equal(got, []midiseq.Clock{10}) {
		t.Fatalf("sample notes must not reach MIDI: %v", got)
	}
	if len(out.submitted) != 16 {
		t.Fatalf("%d fragments submitted, expected all 16", len(out.submitted))
	}
	e.Notify()
	if len(out.submitted) != 16 {
		t.Fatalf("fragments submitted before any was released")
	}
	out.releaseAll()
	e.Notify()
	if len(out.submitted) == 0 {
		t.Fatalf("released fragments were not refilled")
	}
	e.StopPlay()
	if len(out.closed) != 1 || !out.closed[0] {
		t.Fatalf("audio closed %v, expected one draining close", out.closed)
	}
}

func TestReconcileBoundsTempo(t *testing.T) {
	tr := &fakeTransport{}
	out := &fakeAudio{}
	song := &fakeSong{samples: midiseq.SampleMap{}}
	opts := engine.DefaultOptions()
	opts.Sync.Every = 1
	e, _ := newEngine(song, tr, out, opts)
	e.StartPlay(0, 0, true)
	// a minute of audio against a MIDI clock still at 0
	out.played = 44100 * 2 * 60
	e.Notify()
	last := tr.now[len(tr.now)-1]
	if last.Kind != midiseq.Tempo || last.Value != midiseq.USPerQuarter(121) {
		t.Fatalf("correction %v, expected 121 bpm", &last)
	}
	e.Notify()
	last = tr.now[len(tr.now)-1]
	if last.Value != midiseq.USPerQuarter(122) {
		t.Fatalf("second correction %v, expected 122 bpm", &last)
	}
}

func TestCorrectionClamp(t *testing.T) {
	cases := []struct {
		current, base float64
		diff, horizon midiseq.Clock
		want          float64
	}{
		{120, 120, 1 << 40, 960, 121},
		{120, 120, -(1 << 40), 960, 119},
		{128, 128, 3, 768, 128.5},
		{125, 120, 0, 960, 124},
		{120, 120, 0, 960, 120},
	}
	for _, c := range cases {
		got := engine.Correction(c.current, c.base, c.diff, c.horizon, 1)
		if got != c.want {
			t.Errorf("Correction(%v, %v, %v) = %v, expected %v", c.current, c.base, c.diff, got, c.want)
		}
		if d := got - c.current; d > 1 || d < -1 {
			t.Errorf("correction of %v bpm exceeds the bound", d)
		}
	}
}

func TestListen(t *testing.T) {
	out := &fakeAudio{}
	song := &fakeSong{samples: midiseq.SampleMap{7: constSample(50, 3000)}}
	e, _ := newEngine(song, &fakeTransport{}, out, engine.Options{})
	if err := e.Listen(9, 0, -1); err == nil {
		t.Fatalf("listening to a missing sample should fail")
	}
	if err := e.Listen(7, 0, -1); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if e.State() != engine.Listening || len(out.submitted) == 0 {
		t.Fatalf("state %v, %d fragments", e.State(), len(out.submitted))
	}
	e.Notify()
	if e.State() != engine.Listening {
		t.Fatalf("listening ended with fragments in flight")
	}
	out.releaseAll()
	e.Notify()
	if e.State() != engine.Idle {
		t.Fatalf("state %v after the audition", e.State())
	}
}

func TestThru(t *testing.T) {
	tr := &fakeTransport{}
	in := make(chan midiseq.Event, 2)
	in <- midiseq.Event{Kind: midiseq.KeyOn, Key: 60, Value: 1}
	in <- midiseq.Event{Kind: midiseq.KeyOff, Key: 60}
	close(in)
	engine.Thru(context.Background(), in, tr, quiet())
	if len(tr.now) != 2 || tr.now[1].Kind != midiseq.KeyOff {
		t.Fatalf("thru sent %v", tr.now)
	}
}

func TestSeekRestartsAudioClock(t *testing.T) {
	tr := &fakeTransport{}
	out := &fakeAudio{}
	song := &fakeSong{samples: midiseq.SampleMap{}}
	opts := engine.DefaultOptions()
	opts.Sync.Every = 1
	e, _ := newEngine(song, tr, out, opts)
	e.StartPlay(0, 0, true)
	// one second is 192 ticks at 96 ppq and 120 bpm
	second := int64(44100 * 2)
	for i := 1; i <= 10; i++ {
		out.played += second
		tr.clock += 192
		out.releaseAll()
		e.Notify()
	}
	sent := len(tr.now)
	e.Seek(0)
	if out.drops != 1 {
		t.Fatalf("seek dropped the device queue %d times", out.drops)
	}
	if len(out.closed) != 0 {
		t.Fatalf("seek closed the audio device")
	}
	reset := tr.now[sent]
	if reset.Kind != midiseq.Tempo || reset.Value != midiseq.DefaultTempo {
		t.Fatalf("seek sent %v, expected the song tempo", &reset)
	}
	tr.clock = 0
	for i := 1; i <= 5; i++ {
		out.played += second
		tr.clock += 192
		out.releaseAll()
		e.Notify()
		if pos := e.Position(); pos != tr.clock {
			t.Fatalf("position %d after the seek, expected %d", pos, tr.clock)
		}
	}
	for _, ev := range tr.now[sent+1:] {
		if ev.Kind == midiseq.Tempo {
			t.Fatalf("tempo corrected to %v with both clocks in step", &ev)
		}
	}
}

func TestAudioOnlyRewind(t *testing.T) {
	tr := &fakeTransport{openErr: midiseq.Unavailable(errors.New("gone"), "open")}
	out := &fakeAudio{}
	song := &fakeSong{samples: midiseq.SampleMap{}}
	e, _ := newEngine(song, tr, out, engine.Options{})
	if caps := e.StartPlay(960, 0, true); caps.MIDI || !caps.Audio {
		t.Fatalf("capabilities %+v", caps)
	}
	// half a second of audio
	out.played = 44100
	out.releaseAll()
	e.Notify()
	if pos := e.Position(); pos != 960+96 {
		t.Fatalf("position %d, expected the audio clock at 1056", pos)
	}
	e.Seek(480)
	if f, _ := e.Window(); f != 480 {
		t.Fatalf("window starts at %d after the seek", f)
	}
	if o := e.AudioOrigin(); o != 480 {
		t.Fatalf("audio reprimed from %d", o)
	}
	out.played += 44100
	out.releaseAll()
	e.Notify()
	if pos := e.Position(); pos != 480+96 {
		t.Fatalf("position %d, the audio clock must restart at the seek", pos)
	}
}

func TestAudioEventsStayBounded(t *testing.T) {
	tr := &fakeTransport{}
	out := &fakeAudio{}
	song := &fakeSong{
		events: []midiseq.Event{
			{Clock: 0, Kind: midiseq.KeyOn, Device: midiseq.DeviceAudio, Key: 1, Value: 127},
			{Clock: 48, Kind: midiseq.KeyOff, Device: midiseq.DeviceAudio, Key: 1},
			{Clock: 96, Kind: midiseq.KeyOn, Device: midiseq.DeviceAudio, Key: 1},
		},
		samples: midiseq.SampleMap{1: constSample(100, 100)},
	}
	e, _ := newEngine(song, tr, out, engine.Options{})
	e.StartPlay(0, 192, true)
	most := 0
	for i := 1; i <= 200; i++ {
		tr.clock = midiseq.Clock(i * 48)
		out.played = int64(i) * 44100 / 2
		out.releaseAll()
		e.Notify()
		most = max(most, e.AudioBacklog())
	}
	if most > 64 {
		t.Fatalf("%d audio events buffered, the backlog grows with the session", most)
	}
}

func TestNoLiveOutputKeepsPosition(t *testing.T) {
	tr := &fakeTransport{openErr: midiseq.Unavailable(errors.New("gone"), "open")}
	e, _ := newEngine(&fakeSong{}, tr, nil, engine.Options{})
	e.StartPlay(480, 0, true)
	e.Notify()
	if pos := e.Position(); pos != 480 {
		t.Fatalf("position %d, a dead session must not rewind", pos)
	}
	if f, _ := e.Window(); f != 480 {
		t.Fatalf("window starts at %d", f)
	}
}
