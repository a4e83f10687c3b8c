//go:build !cgo

package cmd

import "gitlab.com/gomidi/midi/v2/drivers"

func NewMIDIDriver() drivers.Driver {
	// with no cgo, there is no MIDI driver; opening a gomidi transport then
	// fails and the engine degrades to audio only
	return nil
}
