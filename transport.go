package midiseq

type (
	// Transport delivers events to MIDI hardware. Backends differ in how they
	// schedule, read back the clock and negotiate the device; callers never
	// depend on which backend they hold.
	//
	// Sends never block: a full device answers ErrBusy and the caller retries
	// on a later tick.
	Transport interface {
		// Open acquires the device. With SyncTrigger the clock stands still
		// until Start is called.
		Open(mode OpenMode, sync SyncMode) error
		// Start runs the clock from the given position. Events scheduled
		// before Start are kept and delivered once their clock is reached.
		Start(at Clock) error
		// Halt stops the clock and drops the pending output, keeping the
		// device open for SendNow.
		Halt() error
		// SendNow transmits immediately, bypassing the schedule. Tempo events
		// change the rate of the transport clock.
		SendNow(ev *Event) error
		// SendScheduled enqueues the event for delivery at its Clock.
		SendScheduled(ev *Event) error
		// Flush schedules heartbeat breaks every HeartbeatTicks up to upTo so
		// the clock keeps moving when no events are due.
		Flush(upTo Clock) error
		// ReadClock first hands every inbound event to received, then returns
		// the current hardware position, or ClockStop when the backend halted
		// on its own.
		ReadClock(received func(Event)) Clock
		// Devices returns the number of output devices addressed by
		// Event.Device.
		Devices() int
		// Close releases the device, draining or dropping the pending output.
		Close(drain bool) error
	}

	// AudioTransport plays PCM fragments. Fragments are handed over in
	// order and returned through the done callback given to Open once the
	// device no longer needs them; the callback may run on any goroutine.
	AudioTransport interface {
		// Open negotiates the format. The returned format is the one in use,
		// including the fragment size the device wants.
		Open(want AudioFormat, sync SyncMode, done func(FragmentID)) (AudioFormat, error)
		Start() error
		// Submit hands a fragment to the device. ErrBusy leaves it with the
		// caller; ErrUnderrun means the device starved and must be primed.
		Submit(id FragmentID, pcm []int16) error
		// Prime recovers the device after an under-run.
		Prime() error
		// Played returns the number of interleaved samples played since Start.
		Played() int64
		Close(drain bool) error
	}

	// Dropper is implemented by audio transports that can discard the
	// fragments they hold without playing them. The fragments are still
	// returned through the done callback.
	Dropper interface {
		Drop()
	}

	// AudioFormat describes interleaved 16-bit PCM.
	AudioFormat struct {
		SampleRate     int
		Channels       int
		FragmentFrames int
	}

	// FragmentID is the handle of a fragment in the audio arena.
	FragmentID int

	OpenMode int
	SyncMode int
)

const (
	ModePlay OpenMode = iota
	// ModeRecord opens the input side as well.
	ModeRecord
)

const (
	SyncImmediate SyncMode = iota
	SyncTrigger
)

// FragmentSamples is the number of interleaved samples in one fragment.
func (f AudioFormat) FragmentSamples() int { return f.FragmentFrames * f.Channels }

type (
	// NullTransport stands in for a MIDI device that could not be opened.
	// It accepts everything and reports a clock that never moves.
	NullTransport struct{}
	// NullAudio stands in for an audio device that could not be opened.
	NullAudio struct{}
)

func (NullTransport) Open(OpenMode, SyncMode) error { return nil }
func (NullTransport) Start(Clock) error             { return nil }
func (NullTransport) Halt() error                   { return nil }
func (NullTransport) SendNow(*Event) error          { return nil }
func (NullTransport) SendScheduled(*Event) error    { return nil }
func (NullTransport) Flush(Clock) error             { return nil }
func (NullTransport) ReadClock(func(Event)) Clock   { return 0 }
func (NullTransport) Devices() int                  { return 0 }
func (NullTransport) Close(bool) error              { return nil }

func (NullAudio) Open(want AudioFormat, _ SyncMode, _ func(FragmentID)) (AudioFormat, error) {
	return want, nil
}
func (NullAudio) Start() error                     { return nil }
func (NullAudio) Submit(FragmentID, []int16) error { return ErrBusy }
func (NullAudio) Prime() error                     { return nil }
func (NullAudio) Played() int64                    { return 0 }
func (NullAudio) Close(bool) error                 { return nil }
