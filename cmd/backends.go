// Package cmd holds what the command line programs share: the MIDI driver
// compiled in and the construction of the transports from the configuration.
package cmd

import (
	"fmt"

	"github.com/midiseq/midiseq"
	"github.com/midiseq/midiseq/config"
	"github.com/midiseq/midiseq/gomidi"
	"github.com/midiseq/midiseq/oto"
	"github.com/midiseq/midiseq/rawmidi"
	"github.com/midiseq/midiseq/relay"
	"github.com/midiseq/midiseq/wavfile"
	"github.com/sirupsen/logrus"
)

// NewTransport returns the MIDI transport selected by c.MIDI.Backend for a
// song of the given resolution and tempo.
func NewTransport(c config.Config, ppq, tempo int, log logrus.FieldLogger) (midiseq.Transport, error) {
	switch c.MIDI.Backend {
	case "gomidi":
		return gomidi.New(NewMIDIDriver(), gomidi.Options{
			Outputs:   c.MIDI.Outputs,
			Input:     c.MIDI.Input,
			Thru:      c.Record.Thru,
			PPQ:       ppq,
			Tempo:     tempo,
			QueueSize: c.MIDI.QueueSize,
			Log:       log,
		}), nil
	case "serial":
		return rawmidi.New(rawmidi.Options{
			Device:        c.MIDI.Serial.Device,
			Baud:          c.MIDI.Serial.Baud,
			RunningStatus: c.MIDI.Serial.RunningStatus,
			Thru:          c.Record.Thru,
			PPQ:           ppq,
			Tempo:         tempo,
			QueueSize:     c.MIDI.QueueSize,
			Log:           log,
		}), nil
	case "relay":
		return relay.New(relay.Options{
			Address:   c.MIDI.Relay.Address,
			Devices:   c.MIDI.Relay.Devices,
			QueueSize: c.MIDI.QueueSize,
			PPQ:       ppq,
			Thru:      c.Record.Thru,
			Log:       log,
		}), nil
	case "null":
		return midiseq.NullTransport{}, nil
	}
	return nil, fmt.Errorf("unknown MIDI backend %q", c.MIDI.Backend)
}

// NewAudio returns the audio transport selected by c.Audio.Backend, or nil
// when audio is disabled.
func NewAudio(c config.Config, log logrus.FieldLogger) (midiseq.AudioTransport, error) {
	if !c.Audio.Enabled {
		return nil, nil
	}
	switch c.Audio.Backend {
	case "oto":
		return oto.New(oto.Options{
			Fragments: c.Audio.Fragments,
			Gain:      c.Audio.Gain,
			Latency:   c.Audio.Latency,
			Log:       log,
		}), nil
	case "wav":
		return wavfile.New(c.Audio.File, log), nil
	}
	return nil, fmt.Errorf("unknown audio backend %q", c.Audio.Backend)
}
