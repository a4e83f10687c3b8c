// Package schedule is the timed delivery queue shared by the MIDI-domain
// transports: events are pushed ahead of time and leave the queue in clock
// order when the tempo clock reaches them.
package schedule

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/midiseq/midiseq"
	"github.com/sirupsen/logrus"
)

type (
	// Queue is a bounded, tempo-driven event queue. The zero value is not
	// usable; use NewQueue.
	Queue struct {
		mu        sync.Mutex
		items     itemHeap
		seq       uint64
		clock     *TempoClock
		started   time.Time
		running   bool
		delivered midiseq.Clock
		lastBeat  midiseq.Clock

		pollMu sync.Mutex // serializes deliveries
		opts   Options
	}

	Options struct {
		// Capacity bounds the number of queued events; heartbeats do not
		// count. Push answers midiseq.ErrBusy when it is reached.
		Capacity int
		PPQ      int
		Tempo    int // initial tempo, microseconds per quarter note
		// Deliver writes one event to the device.
		Deliver func(*midiseq.Event) error
		// Beat is called for every heartbeat that comes due. Optional.
		Beat func(midiseq.Clock) error
		// Now returns the current time; time.Now when nil.
		Now func() time.Time
		Log logrus.FieldLogger
	}
)

// DefaultCapacity is the queue size used when Options.Capacity is zero.
const DefaultCapacity = 1024

func NewQueue(opts Options) *Queue {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if opts.Deliver == nil {
		opts.Deliver = func(*midiseq.Event) error { return nil }
	}
	return &Queue{clock: NewTempoClock(opts.PPQ, opts.Tempo), opts: opts}
}

// Push schedules ev for delivery at ev.Clock.
func (q *Queue) Push(ev *midiseq.Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.events() >= q.opts.Capacity {
		return midiseq.ErrBusy
	}
	q.push(ev.Clock, ev)
	return nil
}

func (q *Queue) push(c midiseq.Clock, ev *midiseq.Event) {
	heap.Push(&q.items, item{clock: c, seq: q.seq, ev: ev})
	q.seq++
}

func (q *Queue) events() int {
	n := 0
	for _, it := range q.items {
		if it.ev != nil {
			n++
		}
	}
	return n
}

// Heartbeats schedules a heartbeat at every multiple of every up to and
// including upTo that has not been scheduled yet.
func (q *Queue) Heartbeats(upTo, every midiseq.Clock) {
	if every <= 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	next := (q.lastBeat/every + 1) * every
	for ; next <= upTo; next += every {
		q.push(next, nil)
		q.lastBeat = next
	}
}

// Start runs the clock from position at. Queued items are kept.
func (q *Queue) Start(at midiseq.Clock) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.clock.Reset(at)
	q.started = q.opts.Now()
	q.delivered = at
	if q.lastBeat < at {
		q.lastBeat = at
	}
	q.running = true
}

// Halt stops the clock and drops every queued item.
func (q *Queue) Halt() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.running = false
	q.items = q.items[:0]
	q.lastBeat = 0
}

// Running reports whether the clock is running.
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// SetTempo changes the clock rate from now on.
func (q *Queue) SetTempo(usPerQuarter int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.clock.SetTempo(q.opts.Now().Sub(q.started), usPerQuarter)
}

// SetResolution changes the ticks per quarter note. It is meant to be
// called while the queue is halted.
func (q *Queue) SetResolution(ppq int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.clock.SetPPQ(ppq)
}

// Tempo returns the current tempo in microseconds per quarter note.
func (q *Queue) Tempo() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.clock.Tempo()
}

// Now returns the position of the clock at the current time. A halted queue
// reports the last delivered position.
func (q *Queue) Now() midiseq.Clock {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return q.delivered
	}
	return q.clock.TickAt(q.opts.Now().Sub(q.started))
}

// Delivered returns the clock of the last delivered item.
func (q *Queue) Delivered() midiseq.Clock {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.delivered
}

// Len returns the number of queued items, heartbeats included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Poll delivers every item that is due at the current time, in clock order,
// and returns how many it delivered. Tempo events change the clock rate
// instead of being delivered.
func (q *Queue) Poll() int {
	q.pollMu.Lock()
	defer q.pollMu.Unlock()
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return 0
	}
	now := q.clock.TickAt(q.opts.Now().Sub(q.started))
	var due []item
	for len(q.items) > 0 && q.items[0].clock <= now {
		it := heap.Pop(&q.items).(item)
		if it.ev != nil && it.ev.Kind == midiseq.Tempo {
			q.clock.SetTempo(q.clock.TimeOf(it.clock), it.ev.Value)
			now = q.clock.TickAt(q.opts.Now().Sub(q.started))
		}
		due = append(due, it)
		q.delivered = max(q.delivered, it.clock)
	}
	q.mu.Unlock()

	for _, it := range due {
		var err error
		switch {
		case it.ev == nil:
			if q.opts.Beat != nil {
				err = q.opts.Beat(it.clock)
			}
		case it.ev.Kind == midiseq.Tempo:
		default:
			err = q.opts.Deliver(it.ev)
		}
		if err != nil {
			q.opts.Log.WithError(err).WithField("clock", it.clock).Warn("schedule: delivery failed")
		}
	}
	return len(due)
}

// Run polls the queue every interval until ctx is done.
func (q *Queue) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Poll()
		}
	}
}

// Drain keeps polling until the queue is empty or ctx is done.
func (q *Queue) Drain(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		q.Poll()
		if q.Len() == 0 || !q.Running() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
