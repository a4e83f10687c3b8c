// Package rawmidi is the direct low-level device transport: MIDI bytes are
// written straight to a serial line (a DIN interface, or a USB serial bridge
// at 31250 baud) with no driver-side scheduling. The clock is derived from
// the wall clock.
package rawmidi

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/midiseq/midiseq"
	"github.com/midiseq/midiseq/schedule"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

type (
	Transport struct {
		opts Options
		log  logrus.FieldLogger

		mu     sync.Mutex
		port   io.ReadWriteCloser
		enc    *Encoder
		queue  atomic.Pointer[schedule.Queue]
		inbox  *midiseq.Inbox
		cancel context.CancelFunc
		reader sync.WaitGroup
	}

	Options struct {
		Device        string
		Baud          int
		RunningStatus bool
		// Thru offers inbound events to a soft-thru worker.
		Thru         bool
		PPQ          int
		Tempo        int
		QueueSize    int
		PollInterval time.Duration
		DrainTimeout time.Duration
		// Open replaces the serial port, e.g. with a pipe in tests.
		Open func(device string, baud int) (io.ReadWriteCloser, error)
		Log  logrus.FieldLogger
	}
)

// DefaultBaud is the MIDI line rate.
const DefaultBaud = 31250

const activeSensing = 0xfe

var _ midiseq.Transport = (*Transport)(nil)

func New(opts Options) *Transport {
	if opts.Baud <= 0 {
		opts.Baud = DefaultBaud
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Millisecond
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 5 * time.Second
	}
	if opts.Open == nil {
		opts.Open = openSerial
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	return &Transport{
		opts:  opts,
		log:   opts.Log.WithFields(logrus.Fields{"backend": "rawmidi", "device": opts.Device}),
		inbox: midiseq.NewInbox(1024, opts.Thru),
	}
}

func openSerial(device string, baud int) (io.ReadWriteCloser, error) {
	return serial.Open(device, &serial.Mode{BaudRate: baud})
}

// Ports lists the serial devices present on the system.
func Ports() ([]string, error) {
	return serial.GetPortsList()
}

func (t *Transport) Open(mode midiseq.OpenMode, syncMode midiseq.SyncMode) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port != nil {
		return nil
	}
	if t.opts.Device == "" {
		return midiseq.Unavailable(errors.New("no serial device configured"), "rawmidi: open")
	}
	port, err := t.opts.Open(t.opts.Device, t.opts.Baud)
	if err != nil {
		var perr *serial.PortError
		if errors.As(err, &perr) && perr.Code() == serial.InvalidSpeed {
			return midiseq.ConfigMismatch("rawmidi: baud rate refused by the device")
		}
		return midiseq.Unavailable(err, "rawmidi: opening serial device")
	}
	t.log.WithField("baud", t.opts.Baud).Info("serial port opened")
	t.port = port
	t.enc = NewEncoder(port, t.opts.RunningStatus)
	q := schedule.NewQueue(schedule.Options{
		Capacity: t.opts.QueueSize,
		PPQ:      t.opts.PPQ,
		Tempo:    t.opts.Tempo,
		Deliver:  t.deliver,
		Beat:     t.beat,
		Log:      t.log,
	})
	t.queue.Store(q)
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go q.Run(ctx, t.opts.PollInterval)
	if mode == midiseq.ModeRecord || t.opts.Thru {
		t.reader.Add(1)
		go t.read(port)
	}
	if syncMode == midiseq.SyncImmediate {
		q.Start(0)
	}
	return nil
}

// read parses the inbound byte stream until the port is closed.
func (t *Transport) read(port io.Reader) {
	defer t.reader.Done()
	var p Parser
	buf := make([]byte, 256)
	for {
		n, err := port.Read(buf)
		for _, b := range buf[:n] {
			msg, ok := p.Feed(b)
			if !ok {
				continue
			}
			switch msg[0] {
			case 0xfc:
				t.inbox.PostStop()
				continue
			case activeSensing, 0xf8:
				continue
			}
			q := t.queue.Load()
			if q == nil {
				continue
			}
			if ev, ok := midiseq.EventFromMessage(msg, q.Now(), 0); ok {
				t.inbox.Post(ev)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				t.log.WithError(err).Debug("serial read stopped")
			}
			return
		}
	}
}

func (t *Transport) deliver(ev *midiseq.Event) error {
	msg, ok := ev.Message()
	if !ok {
		return nil
	}
	return t.enc.Write(msg)
}

func (t *Transport) beat(midiseq.Clock) error {
	return t.enc.Write([]byte{activeSensing})
}

func (t *Transport) Start(at midiseq.Clock) error {
	q := t.queue.Load()
	if q == nil {
		return midiseq.ErrClosed
	}
	t.enc.Reset()
	q.Start(at)
	return nil
}

func (t *Transport) Halt() error {
	q := t.queue.Load()
	if q == nil {
		return midiseq.ErrClosed
	}
	q.Halt()
	return nil
}

func (t *Transport) SendNow(ev *midiseq.Event) error {
	q := t.queue.Load()
	if q == nil {
		return midiseq.ErrClosed
	}
	if ev.Kind == midiseq.Tempo {
		q.SetTempo(ev.Value)
		return nil
	}
	return t.deliver(ev)
}

func (t *Transport) SendScheduled(ev *midiseq.Event) error {
	q := t.queue.Load()
	if q == nil {
		return midiseq.ErrClosed
	}
	return q.Push(ev)
}

func (t *Transport) Flush(upTo midiseq.Clock) error {
	q := t.queue.Load()
	if q == nil {
		return midiseq.ErrClosed
	}
	q.Heartbeats(upTo, midiseq.HeartbeatTicks)
	return nil
}

// ReadClock reports the wall-clock position; the line gives no feedback.
func (t *Transport) ReadClock(received func(midiseq.Event)) midiseq.Clock {
	if t.inbox.Drain(received) {
		return midiseq.ClockStop
	}
	q := t.queue.Load()
	if q == nil {
		return 0
	}
	return q.Now()
}

// Devices is always 1: a serial line is a single MIDI cable.
func (t *Transport) Devices() int { return 1 }

func (t *Transport) Tap() <-chan midiseq.Event { return t.inbox.Tap() }

func (t *Transport) Close(drain bool) error {
	if q := t.queue.Load(); drain && q != nil {
		ctx, cancel := context.WithTimeout(context.Background(), t.opts.DrainTimeout)
		if err := q.Drain(ctx, t.opts.PollInterval); err != nil {
			t.log.WithError(err).Warn("output not drained")
		}
		cancel()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if q := t.queue.Swap(nil); q != nil {
		q.Halt()
	}
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	t.reader.Wait()
	t.log.Info("serial port closed")
	return err
}
