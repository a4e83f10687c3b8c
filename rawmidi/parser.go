package rawmidi

import "gitlab.com/gomidi/midi/v2"

// Parser splits a raw MIDI byte stream into messages. It understands running
// status, realtime bytes interleaved anywhere (even inside other messages)
// and system exclusive dumps.
type Parser struct {
	status  byte
	data    []byte
	sysex   []byte
	inSysex bool
}

// Feed consumes one byte and returns the message it completes, if any.
func (p *Parser) Feed(b byte) (midi.Message, bool) {
	switch {
	case b >= 0xf8:
		return midi.Message{b}, true
	case b == 0xf0:
		p.inSysex = true
		p.sysex = append(p.sysex[:0], b)
		p.status = 0
		return nil, false
	case b == 0xf7:
		if !p.inSysex {
			return nil, false
		}
		p.inSysex = false
		msg := append(midi.Message(nil), p.sysex...)
		return append(msg, b), true
	case b&0x80 != 0:
		// any other status byte aborts a sysex dump
		p.inSysex = false
		p.status = b
		p.data = p.data[:0]
		if b == 0xf6 {
			p.status = 0
			return midi.Message{b}, true
		}
		return nil, false
	}
	if p.inSysex {
		p.sysex = append(p.sysex, b)
		return nil, false
	}
	if p.status == 0 {
		return nil, false
	}
	p.data = append(p.data, b)
	if len(p.data) < dataLen(p.status) {
		return nil, false
	}
	msg := make(midi.Message, 0, 1+len(p.data))
	msg = append(append(msg, p.status), p.data...)
	p.data = p.data[:0]
	if p.status >= 0xf0 {
		// system common messages cancel running status
		p.status = 0
	}
	return msg, true
}

func dataLen(status byte) int {
	switch status & 0xf0 {
	case 0xc0, 0xd0:
		return 1
	case 0xf0:
		switch status {
		case 0xf1, 0xf3:
			return 1
		case 0xf2:
			return 2
		}
		return 0
	}
	return 2
}
