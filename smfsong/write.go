package smfsong

import (
	"io"

	"github.com/midiseq/midiseq"
	"gitlab.com/gomidi/midi/v2/smf"
)

// WriteRecording writes recorded events as a single track file. Notes with
// a length get their key-off back; events before from are dropped and the
// rest is moved so that from is the start of the file.
func WriteRecording(w io.Writer, rec *midiseq.EventBuffer, from midiseq.Clock, ppq, tempo int) error {
	buf := midiseq.NewEventBuffer(rec.Len())
	for _, ev := range rec.Events() {
		if ev.Consumed || ev.Clock < from {
			continue
		}
		c := *ev
		c.Clock -= from
		buf.Put(&c)
	}
	buf.Sort()
	buf.ExpandLengths()

	sm := smf.New()
	sm.TimeFormat = smf.MetricTicks(uint16(ppq))
	var track smf.Track
	track.Add(0, smf.MetaTempo(midiseq.BPM(tempo)))
	var last midiseq.Clock
	for _, ev := range buf.Events() {
		msg, ok := ev.Message()
		if !ok {
			continue
		}
		track.Add(uint32(ev.Clock-last), msg)
		last = ev.Clock
	}
	track.Close(0)
	if err := sm.Add(track); err != nil {
		return err
	}
	_, err := sm.WriteTo(w)
	return err
}
