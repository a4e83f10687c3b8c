package engine

import (
	"fmt"

	"github.com/midiseq/midiseq"
)

// Listen auditions the sample of key from frame from to frame to (to < 0
// plays to the end) outside of playback. It returns when the first fragments
// are queued; Notify keeps feeding the device until the sample is done.
func (e *Engine) Listen(key uint8, from, to int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Playing {
		return fmt.Errorf("engine: cannot listen while playing")
	}
	if e.state == Listening {
		e.stopListen()
	}
	samples := e.song.Samples()
	if e.audio == nil || samples == nil {
		return fmt.Errorf("engine: no audio output")
	}
	s := samples.Sample(key)
	if s == nil {
		return fmt.Errorf("engine: no sample for key %d", key)
	}
	format, err := e.audio.Open(e.opts.Audio.Format, midiseq.SyncImmediate, e.ring.Release)
	if err != nil {
		return err
	}
	e.aout = e.audio
	e.ring.Configure(format, samples)
	if e.ring.PrepareListen(s, from, to) == 0 {
		e.stopListen()
		return nil
	}
	e.state = Listening
	e.dispatchListen()
	return nil
}

func (e *Engine) listenTick() {
	e.ring.Reclaim()
	if e.ring.Listening() {
		e.ring.ContinueListen()
	}
	e.dispatchListen()
	if !e.ring.Listening() && e.ring.FullCount() == 0 && e.ring.InFlightCount() == 0 {
		e.stopListen()
	}
}

func (e *Engine) dispatchListen() {
	if _, err := e.ring.Dispatch(e.aout.Submit); midiseq.IsUnderrun(err) {
		e.aout.Prime()
	} else if err != nil && !midiseq.IsBusy(err) {
		e.log.WithError(err).Warn("listen aborted")
		e.stopListen()
	}
}

func (e *Engine) stopListen() {
	if e.aout != nil {
		e.aout.Close(true)
		e.aout = nil
	}
	e.state = Idle
}
