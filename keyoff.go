package midiseq

// Keyoff2Length folds key-offs back into note lengths: each note-on is paired
// with the next key-off of the same device, channel and key, which gets
// consumed. Notes still held at end are closed there. The buffer is sorted
// before pairing and cleaned afterwards.
func (b *EventBuffer) Keyoff2Length(end Clock) {
	b.Sort()
	type noteID struct {
		device  int
		channel uint8
		key     uint8
	}
	held := make(map[noteID][]*Event)
	for _, ev := range b.events {
		if ev.Consumed {
			continue
		}
		id := noteID{ev.Device, ev.Channel, ev.Key}
		switch {
		case ev.IsNoteOn():
			held[id] = append(held[id], ev)
		case ev.IsNoteOff():
			ons := held[id]
			if len(ons) == 0 {
				// a key-off without a note-on, e.g. for a key pressed before
				// the recording started
				ev.Consumed = true
				continue
			}
			on := ons[0]
			held[id] = ons[1:]
			on.Length = max(ev.Clock-on.Clock, 1)
			ev.Consumed = true
		}
	}
	for _, ons := range held {
		for _, on := range ons {
			on.Length = max(end-on.Clock, 1)
		}
	}
	b.Cleanup(false)
}
