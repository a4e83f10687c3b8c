// Package gomidi is the sequencer-queue transport: events are scheduled on a
// tempo-driven queue and written to gitlab.com/gomidi/midi/v2 output ports
// when they come due.
package gomidi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/midiseq/midiseq"
	"github.com/midiseq/midiseq/schedule"
	"github.com/sirupsen/logrus"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
)

type (
	Transport struct {
		driver drivers.Driver
		opts   Options
		log    logrus.FieldLogger

		mu     sync.Mutex
		outs   []drivers.Out
		sends  []func(midi.Message) error
		in     drivers.In
		stop   func()
		queue  atomic.Pointer[schedule.Queue]
		inbox  *midiseq.Inbox
		cancel context.CancelFunc
		open   bool
	}

	Options struct {
		// Outputs selects the output ports by name prefix, one per device
		// index. Empty selects the first port.
		Outputs []string
		// Input selects the record port by name prefix. Empty selects the
		// first port.
		Input string
		// Thru offers inbound events to a soft-thru worker.
		Thru         bool
		PPQ          int
		Tempo        int
		QueueSize    int
		PollInterval time.Duration
		DrainTimeout time.Duration
		Log          logrus.FieldLogger
	}
)

const inboxSize = 1024

var _ midiseq.Transport = (*Transport)(nil)

// New returns a transport on the given driver. A nil driver (no MIDI support
// compiled in) makes Open fail with a device-unavailable error.
func New(driver drivers.Driver, opts Options) *Transport {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Millisecond
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 5 * time.Second
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	return &Transport{
		driver: driver,
		opts:   opts,
		log:    opts.Log.WithField("backend", "gomidi"),
		inbox:  midiseq.NewInbox(inboxSize, opts.Thru),
	}
}

func (t *Transport) Open(mode midiseq.OpenMode, syncMode midiseq.SyncMode) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open {
		return nil
	}
	if t.driver == nil {
		return midiseq.Unavailable(errors.New("no driver available"), "gomidi: open")
	}
	outs, err := t.driver.Outs()
	if err != nil {
		return midiseq.Unavailable(err, "gomidi: listing output ports")
	}
	names := t.opts.Outputs
	if len(names) == 0 {
		names = []string{""}
	}
	for _, name := range names {
		out, err := FindPort(outs, name)
		if err != nil {
			t.closeLocked()
			return midiseq.Unavailable(err, "gomidi: output")
		}
		if err := out.Open(); err != nil {
			t.closeLocked()
			return midiseq.Unavailable(err, fmt.Sprintf("gomidi: opening output %q", out.String()))
		}
		send, err := midi.SendTo(out)
		if err != nil {
			t.closeLocked()
			return midiseq.Unavailable(err, "gomidi: output")
		}
		t.outs = append(t.outs, out)
		t.sends = append(t.sends, send)
		t.log.WithField("port", out.String()).Info("output port opened")
	}
	q := schedule.NewQueue(schedule.Options{
		Capacity: t.opts.QueueSize,
		PPQ:      t.opts.PPQ,
		Tempo:    t.opts.Tempo,
		Deliver:  t.deliver,
		Log:      t.log,
	})
	t.queue.Store(q)
	if mode == midiseq.ModeRecord {
		if err := t.openInput(); err != nil {
			// recording is lost, playback is not
			t.log.WithError(err).Warn("input port unavailable, not recording")
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go q.Run(ctx, t.opts.PollInterval)
	if syncMode == midiseq.SyncImmediate {
		q.Start(0)
	}
	t.open = true
	return nil
}

// FindPort returns the first port whose name starts with prefix. An empty
// prefix matches the first port.
func FindPort[P interface{ String() string }](ports []P, prefix string) (P, error) {
	for _, p := range ports {
		if strings.HasPrefix(p.String(), prefix) {
			return p, nil
		}
	}
	var zero P
	if prefix == "" {
		return zero, errors.New("no MIDI ports")
	}
	return zero, fmt.Errorf("no MIDI port starting with %q", prefix)
}

func (t *Transport) openInput() error {
	ins, err := t.driver.Ins()
	if err != nil {
		return err
	}
	in, err := FindPort(ins, t.opts.Input)
	if err != nil {
		return err
	}
	if err := in.Open(); err != nil {
		return fmt.Errorf("opening MIDI input failed: %w", err)
	}
	stop, err := midi.ListenTo(in, t.handleMessage, midi.UseSysEx())
	if err != nil {
		in.Close()
		return err
	}
	t.in, t.stop = in, stop
	t.log.WithField("port", in.String()).Info("input port opened")
	return nil
}

// handleMessage runs on the driver's goroutine. Inbound events are stamped
// with the queue clock at arrival.
func (t *Transport) handleMessage(msg midi.Message, _ int32) {
	if msg.Is(midi.StopMsg) {
		t.inbox.PostStop()
		return
	}
	q := t.queue.Load()
	if q == nil {
		return
	}
	if ev, ok := midiseq.EventFromMessage(msg, q.Now(), 0); ok {
		t.inbox.Post(ev)
	}
}

func (t *Transport) deliver(ev *midiseq.Event) error {
	msg, ok := ev.Message()
	if !ok {
		return nil
	}
	if ev.Device < 0 || ev.Device >= len(t.sends) {
		return fmt.Errorf("no output device %d", ev.Device)
	}
	return t.sends[ev.Device](msg)
}

func (t *Transport) Start(at midiseq.Clock) error {
	q := t.queue.Load()
	if q == nil {
		return midiseq.ErrClosed
	}
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

// ReadClock reports the clock of the last delivered event or heartbeat.
func (t *Transport) ReadClock(received func(midiseq.Event)) midiseq.Clock {
	if t.inbox.Drain(received) {
		return midiseq.ClockStop
	}
	q := t.queue.Load()
	if q == nil {
		return 0
	}
	return q.Delivered()
}

func (t *Transport) Devices() int { return len(t.outs) }

// Tap returns the inbound events for a soft-thru worker when Options.Thru is
// set.
func (t *Transport) Tap() <-chan midiseq.Event { return t.inbox.Tap() }

func (t *Transport) Close(drain bool) error {
	if q := t.queue.Load(); drain && q != nil {
		ctx, cancel := context.WithTimeout(context.Background(), t.opts.DrainTimeout)
		err := q.Drain(ctx, t.opts.PollInterval)
		cancel()
		if err != nil {
			t.log.WithError(err).Warn("output not drained")
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLocked()
	return nil
}

func (t *Transport) closeLocked() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if q := t.queue.Swap(nil); q != nil {
		q.Halt()
	}
	if t.stop != nil {
		t.stop()
		t.stop = nil
	}
	if t.in != nil && t.in.IsOpen() {
		t.in.Close()
	}
	t.in = nil
	for _, out := range t.outs {
		if out.IsOpen() {
			out.Close()
		}
	}
	t.outs, t.sends = nil, nil
	t.open = false
}
