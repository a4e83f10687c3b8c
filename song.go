package midiseq

type (
	// Song is the event source the playback core pulls from. The song model
	// and its file format live outside this module.
	Song interface {
		// MergeTracksInto puts the events with from <= Clock < to into buf,
		// channel/device routed, in clock order, each shifted by offset.
		// With audio set, sample track notes are routed to DeviceAudio.
		MergeTracksInto(buf *EventBuffer, from, to Clock, metronome Metronome, offset Clock, audio bool)
		// Setup returns the per-track state that cannot be derived from the
		// event stream and has to be sent before playing.
		Setup() []TrackSetup
		// PPQ returns the resolution in ticks per quarter note.
		PPQ() int
		// Tempo returns the initial tempo in microseconds per quarter note.
		Tempo() int
		// Samples returns the sample library of the audio tracks, or nil when
		// the song has none.
		Samples() SampleSet
	}

	// TrackSetup is the persistent state of one output track. Negative
	// values mean "not set".
	TrackSetup struct {
		Device      int
		Channel     uint8
		Program     int
		Volume      int
		Pan         int
		BendRange   int // in semitones, sent as RPN 0
		Controllers []Controller
		Reset       []byte // system exclusive reset message, without framing
	}

	Controller struct {
		Number uint8
		Value  uint8
	}

	// Metronome describes the click merged in by the song source.
	Metronome struct {
		Enabled     bool
		Device      int
		Channel     uint8
		Key         uint8
		AccentKey   uint8
		Velocity    int
		BeatsPerBar int
	}
)

// Events returns the messages that restore the track state, in the order
// they are sent: reset, program, volume, pan, controllers, bend range.
func (t TrackSetup) Events() []Event {
	var ret []Event
	add := func(kind Kind, key uint8, value int) {
		ret = append(ret, Event{Kind: kind, Device: t.Device, Channel: t.Channel, Key: key, Value: value})
	}
	if len(t.Reset) > 0 {
		ret = append(ret, Event{Kind: SysEx, Device: t.Device, Data: t.Reset})
	}
	if t.Program >= 0 {
		add(Program, uint8(t.Program), 0)
	}
	if t.Volume >= 0 {
		add(Control, 7, t.Volume)
	}
	if t.Pan >= 0 {
		add(Control, 10, t.Pan)
	}
	for _, c := range t.Controllers {
		add(Control, c.Number, int(c.Value))
	}
	if t.BendRange >= 0 {
		add(Control, 101, 0)
		add(Control, 100, 0)
		add(Control, 6, t.BendRange)
		add(Control, 38, 0)
	}
	return ret
}
