package midiseq

import (
	"fmt"

	"gitlab.com/gomidi/midi/v2"
)

type (
	// Event is one timestamped output or input event. Events are owned by the
	// buffer currently holding them; moving an event between buffers transfers
	// the pointer, it is never copied.
	Event struct {
		Clock   Clock
		Kind    Kind
		Device  int   // output device index, or DeviceAudio for sample tracks
		Channel uint8 // 0-15
		Key     uint8 // note, controller number or program
		Value   int   // velocity, controller value, pressure, pitch bend or tempo (µs per quarter)
		Length  Clock // note-on duration; 0 means an explicit key-off follows
		Data    []byte

		// Consumed marks an event that has been delivered or cancelled. It is
		// removed from its buffer on the next Cleanup.
		Consumed bool
	}

	Kind int
)

const (
	KeyOn Kind = iota
	KeyOff
	Control
	Program
	ChannelPressure
	KeyPressure
	Pitch
	Tempo
	SysEx
	// End marks the end of the event stream. An EventBuffer holds at most one.
	End
)

// DeviceAudio routes an event to the sample mixer instead of a MIDI device.
const DeviceAudio = -1

const (
	ccAllNotesOff = 123
	ccSustain     = 64
)

var kindNames = [...]string{"KeyOn", "KeyOff", "Control", "Program", "ChannelPressure", "KeyPressure", "Pitch", "Tempo", "SysEx", "End"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

func (e *Event) String() string {
	return fmt.Sprintf("%v@%d dev=%d ch=%d key=%d val=%d len=%d", e.Kind, e.Clock, e.Device, e.Channel, e.Key, e.Value, e.Length)
}

// IsNoteOn reports whether e starts a note. A KeyOn with zero velocity is a
// key-off in disguise.
func (e *Event) IsNoteOn() bool { return e.Kind == KeyOn && e.Value > 0 }

// IsNoteOff reports whether e releases a note.
func (e *Event) IsNoteOff() bool {
	return e.Kind == KeyOff || (e.Kind == KeyOn && e.Value == 0)
}

// Message converts the event into a MIDI wire message. Tempo and End events
// have no wire representation and return ok == false.
func (e *Event) Message() (msg midi.Message, ok bool) {
	ch := e.Channel & 0x0f
	switch e.Kind {
	case KeyOn:
		return midi.NoteOn(ch, e.Key, clamp7(e.Value)), true
	case KeyOff:
		return midi.NoteOffVelocity(ch, e.Key, clamp7(e.Value)), true
	case Control:
		return midi.ControlChange(ch, e.Key, clamp7(e.Value)), true
	case Program:
		return midi.ProgramChange(ch, e.Key), true
	case ChannelPressure:
		return midi.AfterTouch(ch, clamp7(e.Value)), true
	case KeyPressure:
		return midi.PolyAfterTouch(ch, e.Key, clamp7(e.Value)), true
	case Pitch:
		v := e.Value
		if v < -8192 {
			v = -8192
		} else if v > 8191 {
			v = 8191
		}
		return midi.Pitchbend(ch, int16(v)), true
	case SysEx:
		if len(e.Data) == 0 {
			return nil, false
		}
		data := e.Data
		// midi.SysEx adds the framing bytes itself
		if data[0] == 0xf0 {
			data = data[1:]
		}
		if n := len(data); n > 0 && data[n-1] == 0xf7 {
			data = data[:n-1]
		}
		return midi.SysEx(data), true
	}
	return nil, false
}

// EventFromMessage parses a MIDI wire message. Realtime and system common
// messages are not events and return ok == false.
func EventFromMessage(msg midi.Message, clock Clock, device int) (ev Event, ok bool) {
	var ch, key, val uint8
	var rel int16
	var abs uint16
	var data []byte
	ev = Event{Clock: clock, Device: device}
	switch {
	case msg.GetNoteOn(&ch, &key, &val):
		ev.Kind, ev.Key, ev.Value = KeyOn, key, int(val)
		if val == 0 {
			ev.Kind = KeyOff
		}
	case msg.GetNoteOff(&ch, &key, &val):
		ev.Kind, ev.Key, ev.Value = KeyOff, key, int(val)
	case msg.GetControlChange(&ch, &key, &val):
		ev.Kind, ev.Key, ev.Value = Control, key, int(val)
	case msg.GetProgramChange(&ch, &key):
		ev.Kind, ev.Key = Program, key
	case msg.GetAfterTouch(&ch, &val):
		ev.Kind, ev.Value = ChannelPressure, int(val)
	case msg.GetPolyAfterTouch(&ch, &key, &val):
		ev.Kind, ev.Key, ev.Value = KeyPressure, key, int(val)
	case msg.GetPitchBend(&ch, &rel, &abs):
		ev.Kind, ev.Value = Pitch, int(rel)
	case msg.GetSysEx(&data):
		ev.Kind = SysEx
		ev.Data = append([]byte(nil), data...)
		return ev, true
	default:
		return Event{}, false
	}
	ev.Channel = ch
	return ev, true
}

// AllNotesOff returns the sweep sent on stop: all-notes-off and sustain
// release on every channel of the device.
func AllNotesOff(device int) []Event {
	ret := make([]Event, 0, 32)
	for ch := uint8(0); ch < 16; ch++ {
		ret = append(ret,
			Event{Kind: Control, Device: device, Channel: ch, Key: ccAllNotesOff},
			Event{Kind: Control, Device: device, Channel: ch, Key: ccSustain},
		)
	}
	return ret
}

func clamp7(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 127 {
		return 127
	}
	return uint8(v)
}
