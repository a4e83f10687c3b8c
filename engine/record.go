package engine

import (
	"context"

	"github.com/midiseq/midiseq"
	"github.com/sirupsen/logrus"
)

// RecordOptions select what is recorded. From and To bound the recorded song
// range; To <= From records to the end.
type RecordOptions struct {
	Enabled  bool
	From, To midiseq.Clock
}

func (r RecordOptions) contains(c midiseq.Clock) bool {
	return c >= r.From && (r.To <= r.From || c < r.To)
}

// receive takes the inbound events handed over by ReadClock.
func (e *Engine) receive(ev midiseq.Event) {
	if e.record == nil {
		return
	}
	ev.Clock = e.mapper.ToInternal(ev.Clock)
	if !e.opts.Record.contains(ev.Clock) {
		return
	}
	switch ev.Kind {
	case midiseq.KeyOn, midiseq.KeyOff, midiseq.Control, midiseq.Program,
		midiseq.ChannelPressure, midiseq.KeyPressure, midiseq.Pitch:
		e.record.Put(&ev)
	}
}

// Thru sends every event of in to out at once until ctx is done or in is
// closed. It is the soft-thru worker: it runs beside the engine and never
// waits for its tick.
func Thru(ctx context.Context, in <-chan midiseq.Event, out midiseq.Transport, log logrus.FieldLogger) {
	log = log.WithField("component", "thru")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			if err := out.SendNow(&ev); err != nil {
				log.WithError(err).Debug("thru event dropped")
			}
		}
	}
}
