// Package relay is the network-relayed transport. The client side implements
// midiseq.Transport by streaming frames over TCP to a relay process, which
// schedules them onto a local MIDI port and echoes its position back.
//
// A frame is a variable-length delta in ticks from the previous frame of the
// same direction, a type byte, a variable-length payload size and the
// payload. Deltas are zigzag encoded so a frame may precede its predecessor.
package relay

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/midiseq/midiseq"
)

type (
	FrameType byte

	Frame struct {
		Clock   midiseq.Clock
		Type    FrameType
		Payload []byte
	}

	// Writer encodes frames, keeping the running clock for the deltas.
	Writer struct {
		w    *bufio.Writer
		last midiseq.Clock
		buf  []byte
	}

	// Reader decodes frames written by a Writer.
	Reader struct {
		r    *bufio.Reader
		last midiseq.Clock
	}
)

const (
	// FrameMIDI carries a device byte and a MIDI message to play at Clock.
	FrameMIDI FrameType = iota
	// FrameNow carries a device byte and a MIDI message to play at once.
	FrameNow
	// FrameTempo carries a flag byte (1 = at once) and the tempo in
	// microseconds per quarter.
	FrameTempo
	// FrameBreak asks for heartbeats up to Clock.
	FrameBreak
	// FrameStart runs the relay clock from Clock. An optional VLQ payload
	// gives the resolution in ticks per quarter note.
	FrameStart
	// FrameHalt stops the relay clock and drops its queue.
	FrameHalt
	// FrameEcho reports that the relay clock passed Clock.
	FrameEcho
	// FrameInput carries an inbound MIDI message stamped with the relay clock.
	FrameInput
	// FrameStop reports a stop command received by the relay.
	FrameStop
	frameTypes
)

// MaxPayload bounds the payload size accepted by a Reader.
const MaxPayload = 64 << 10

var errPayload = errors.New("relay: payload too large")

var frameNames = [...]string{"midi", "now", "tempo", "break", "start", "halt", "echo", "input", "stop"}

func (t FrameType) String() string {
	if int(t) < len(frameNames) {
		return frameNames[t]
	}
	return fmt.Sprintf("FrameType(%d)", int(t))
}

func NewWriter(w io.Writer) *Writer { return &Writer{w: bufio.NewWriter(w)} }

// Write encodes f into the buffer; call Flush to send it.
func (w *Writer) Write(f Frame) error {
	b := w.buf[:0]
	b = appendVLQ(b, zigzag(int64(f.Clock-w.last)))
	b = append(b, byte(f.Type))
	b = appendVLQ(b, uint64(len(f.Payload)))
	b = append(b, f.Payload...)
	w.buf = b
	w.last = f.Clock
	_, err := w.w.Write(b)
	return err
}

func (w *Writer) Flush() error { return w.w.Flush() }

func NewReader(r io.Reader) *Reader { return &Reader{r: bufio.NewReader(r)} }

// Read decodes the next frame. It returns io.EOF only at a frame boundary.
func (r *Reader) Read() (Frame, error) {
	d, err := readVLQ(r.r)
	if err != nil {
		return Frame{}, err
	}
	t, err := r.r.ReadByte()
	if err != nil {
		return Frame{}, noEOF(err)
	}
	n, err := readVLQ(r.r)
	if err != nil {
		return Frame{}, noEOF(err)
	}
	if n > MaxPayload {
		return Frame{}, errPayload
	}
	f := Frame{Clock: r.last + midiseq.Clock(unzigzag(d)), Type: FrameType(t)}
	if n > 0 {
		f.Payload = make([]byte, n)
		if _, err := io.ReadFull(r.r, f.Payload); err != nil {
			return Frame{}, noEOF(err)
		}
	}
	r.last = f.Clock
	return f, nil
}

func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// appendVLQ appends v seven bits at a time, most significant group first,
// with the high bit set on every byte but the last.
func appendVLQ(b []byte, v uint64) []byte {
	var tmp [10]byte
	i := len(tmp) - 1
	tmp[i] = byte(v & 0x7f)
	for v >>= 7; v > 0; v >>= 7 {
		i--
		tmp[i] = byte(v&0x7f) | 0x80
	}
	return append(b, tmp[i:]...)
}

func readVLQ(r io.ByteReader) (uint64, error) {
	var v uint64
	for i := 0; i < 10; i++ {
		c, err := r.ReadByte()
		if err != nil {
			if i > 0 {
				return 0, noEOF(err)
			}
			return 0, err
		}
		v = v<<7 | uint64(c&0x7f)
		if c&0x80 == 0 {
			return v, nil
		}
	}
	return 0, errors.New("relay: variable-length quantity too long")
}

func zigzag(v int64) uint64   { return uint64(v<<1) ^ uint64(v>>63) }
func unzigzag(u uint64) int64 { return int64(u>>1) ^ -int64(u&1) }
