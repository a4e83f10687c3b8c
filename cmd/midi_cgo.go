//go:build cgo

package cmd

import (
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
)

// NewMIDIDriver returns the rtmidi driver, or nil when it cannot be started.
func NewMIDIDriver() drivers.Driver {
	d, err := rtmididrv.New()
	if err != nil {
		return nil
	}
	return d
}
