package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/midiseq/midiseq"
	"github.com/sirupsen/logrus"
	"gitlab.com/gomidi/midi/v2"
)

type (
	// Transport talks to a relay process. Its clock is the position of the
	// last heartbeat the relay echoed back.
	Transport struct {
		opts Options
		log  logrus.FieldLogger

		mu        sync.Mutex
		conn      net.Conn
		w         *Writer
		pending   []midiseq.Clock // scheduled and not yet echoed
		lastBreak midiseq.Clock
		closing   bool
		readDone  chan struct{}

		clock atomic.Int64
		inbox *midiseq.Inbox
	}

	Options struct {
		Address     string
		DialTimeout time.Duration
		// Devices is the number of output ports behind the relay.
		Devices int
		// QueueSize bounds the events in flight to the relay.
		QueueSize int
		// PPQ is the song resolution announced to the relay on start.
		PPQ          int
		Thru         bool
		DrainTimeout time.Duration
		// Dial opens the connection; net.Dialer.DialContext when nil.
		Dial func(ctx context.Context, network, address string) (net.Conn, error)
		Log  logrus.FieldLogger
	}
)

var _ midiseq.Transport = (*Transport)(nil)

func New(opts Options) *Transport {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 3 * time.Second
	}
	if opts.Devices <= 0 {
		opts.Devices = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 5 * time.Second
	}
	if opts.Dial == nil {
		var d net.Dialer
		opts.Dial = d.DialContext
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	return &Transport{
		opts:  opts,
		log:   opts.Log.WithFields(logrus.Fields{"backend": "relay", "address": opts.Address}),
		inbox: midiseq.NewInbox(1024, opts.Thru),
	}
}

func (t *Transport) Open(_ midiseq.OpenMode, syncMode midiseq.SyncMode) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.DialTimeout)
	conn, err := t.opts.Dial(ctx, "tcp", t.opts.Address)
	cancel()
	if err != nil {
		return midiseq.Unavailable(err, "relay: connecting")
	}
	t.conn, t.w = conn, NewWriter(conn)
	t.pending, t.lastBreak, t.closing = nil, 0, false
	t.clock.Store(0)
	t.readDone = make(chan struct{})
	go t.readLoop(NewReader(conn), t.readDone)
	t.log.Info("connected to relay")
	if syncMode == midiseq.SyncImmediate {
		return t.writeLocked(Frame{Type: FrameStart, Payload: t.startPayload()})
	}
	return nil
}

func (t *Transport) readLoop(r *Reader, done chan struct{}) {
	defer close(done)
	for {
		f, err := r.Read()
		if err != nil {
			t.mu.Lock()
			closing := t.closing
			t.mu.Unlock()
			if !closing {
				if !errors.Is(err, io.EOF) {
					t.log.WithError(err).Warn("relay connection lost")
				}
				t.inbox.PostStop()
			}
			return
		}
		switch f.Type {
		case FrameEcho:
			t.clock.Store(int64(f.Clock))
			t.mu.Lock()
			i, _ := slices.BinarySearch(t.pending, f.Clock+1)
			t.pending = t.pending[i:]
			t.mu.Unlock()
		case FrameInput:
			if ev, ok := midiseq.EventFromMessage(midi.Message(f.Payload), f.Clock, 0); ok {
				t.inbox.Post(ev)
			}
		case FrameStop:
			t.inbox.PostStop()
		default:
			t.log.WithField("type", f.Type).Debug("unexpected frame")
		}
	}
}

func (t *Transport) write(f Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeLocked(f)
}

func (t *Transport) writeLocked(f Frame) error {
	if t.w == nil {
		return midiseq.ErrClosed
	}
	if err := t.w.Write(f); err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	if err := t.w.Flush(); err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	return nil
}

func (t *Transport) Start(at midiseq.Clock) error {
	t.clock.Store(int64(at))
	return t.write(Frame{Clock: at, Type: FrameStart, Payload: t.startPayload()})
}

func (t *Transport) startPayload() []byte {
	if t.opts.PPQ <= 0 {
		return nil
	}
	return appendVLQ(nil, uint64(t.opts.PPQ))
}

func (t *Transport) Halt() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending, t.lastBreak = t.pending[:0], 0
	return t.writeLocked(Frame{Clock: t.lastClock(), Type: FrameHalt})
}

// lastClock keeps unclocked frames at a zero delta.
func (t *Transport) lastClock() midiseq.Clock {
	if t.w == nil {
		return 0
	}
	return t.w.last
}

func (t *Transport) SendNow(ev *midiseq.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ev.Kind == midiseq.Tempo {
		return t.writeLocked(Frame{Clock: t.lastClock(), Type: FrameTempo, Payload: tempoPayload(true, ev.Value)})
	}
	msg, ok := ev.Message()
	if !ok {
		return nil
	}
	return t.writeLocked(Frame{Clock: t.lastClock(), Type: FrameNow, Payload: midiPayload(ev.Device, msg)})
}

func (t *Transport) SendScheduled(ev *midiseq.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.w == nil {
		return midiseq.ErrClosed
	}
	if len(t.pending) >= t.opts.QueueSize {
		return midiseq.ErrBusy
	}
	var f Frame
	if ev.Kind == midiseq.Tempo {
		f = Frame{Clock: ev.Clock, Type: FrameTempo, Payload: tempoPayload(false, ev.Value)}
	} else {
		msg, ok := ev.Message()
		if !ok {
			return nil
		}
		f = Frame{Clock: ev.Clock, Type: FrameMIDI, Payload: midiPayload(ev.Device, msg)}
	}
	if err := t.writeLocked(f); err != nil {
		return err
	}
	i, _ := slices.BinarySearch(t.pending, ev.Clock)
	t.pending = slices.Insert(t.pending, i, ev.Clock)
	return nil
}

func (t *Transport) Flush(upTo midiseq.Clock) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if upTo <= t.lastBreak {
		return nil
	}
	if err := t.writeLocked(Frame{Clock: upTo, Type: FrameBreak}); err != nil {
		return err
	}
	t.lastBreak = upTo
	return nil
}

func (t *Transport) ReadClock(received func(midiseq.Event)) midiseq.Clock {
	if t.inbox.Drain(received) {
		return midiseq.ClockStop
	}
	return midiseq.Clock(t.clock.Load())
}

func (t *Transport) Devices() int { return t.opts.Devices }

func (t *Transport) Tap() <-chan midiseq.Event { return t.inbox.Tap() }

// InFlight returns the number of scheduled events the relay has not yet
// echoed past.
func (t *Transport) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Transport) Close(drain bool) error {
	if drain {
		deadline := time.Now().Add(t.opts.DrainTimeout)
		for t.InFlight() > 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		if t.InFlight() > 0 {
			t.log.Warn("output not drained")
		}
	}
	t.mu.Lock()
	if t.conn == nil {
		t.mu.Unlock()
		return nil
	}
	t.writeLocked(Frame{Clock: t.lastClock(), Type: FrameHalt})
	t.closing = true
	err := t.conn.Close()
	done := t.readDone
	t.conn, t.w = nil, nil
	t.mu.Unlock()
	<-done
	t.log.Info("disconnected from relay")
	return err
}

func midiPayload(device int, msg midi.Message) []byte {
	p := make([]byte, 0, len(msg)+1)
	return append(append(p, byte(device)), msg...)
}

func tempoPayload(now bool, usPerQuarter int) []byte {
	p := []byte{0}
	if now {
		p[0] = 1
	}
	return appendVLQ(p, uint64(max(usPerQuarter, 1)))
}
