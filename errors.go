package midiseq

import (
	"errors"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
)

// Error kinds of the playback core. Transient kinds are retried or recovered
// in place; the others disable a capability for the session.
const (
	KindBusy        ftag.Kind = "BUSY"
	KindUnderrun    ftag.Kind = "UNDERRUN"
	KindUnavailable ftag.Kind = "DEVICE_UNAVAILABLE"
	KindConfig      ftag.Kind = "CONFIG_MISMATCH"
)

var (
	// ErrBusy means the device cannot take another event right now. The
	// caller keeps the event and retries on the next tick.
	ErrBusy = fault.New("transport busy", ftag.With(KindBusy))
	// ErrUnderrun means the audio device starved. The device has to be
	// primed again before it accepts more fragments.
	ErrUnderrun = fault.New("audio buffer under-run", ftag.With(KindUnderrun))
	// ErrClosed is returned by operations on a transport that is not open.
	ErrClosed = errors.New("transport is not open")
)

// IsBusy reports whether err is transient backpressure.
func IsBusy(err error) bool { return errors.Is(err, ErrBusy) }

// IsUnderrun reports whether err is an audio under-run.
func IsUnderrun(err error) bool { return errors.Is(err, ErrUnderrun) }

// ErrorKind returns the kind tagged on err.
func ErrorKind(err error) ftag.Kind { return ftag.Get(err) }

// Unavailable wraps a device open failure.
func Unavailable(err error, msg string) error {
	return fault.Wrap(err, fmsg.With(msg), ftag.With(KindUnavailable))
}

// ConfigMismatch reports a format or rate the device refuses.
func ConfigMismatch(msg string) error {
	return fault.New(msg, ftag.With(KindConfig))
}
