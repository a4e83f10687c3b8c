package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/midiseq/midiseq"
	"github.com/midiseq/midiseq/schedule"
	"github.com/sirupsen/logrus"
	"gitlab.com/gomidi/midi/v2"
)

type (
	// Server is the relay process side: it plays the frames of one client
	// at a time on local MIDI outputs and echoes its clock back.
	Server struct {
		opts    ServerOptions
		log     logrus.FieldLogger
		current atomic.Pointer[session]
	}

	ServerOptions struct {
		// Outputs sends a message to the port of the same device index.
		Outputs      []func(midi.Message) error
		PPQ          int
		Tempo        int
		QueueSize    int
		PollInterval time.Duration
		Log          logrus.FieldLogger
	}

	session struct {
		mu    sync.Mutex
		w     *Writer
		queue *schedule.Queue
		log   logrus.FieldLogger
	}
)

func NewServer(opts ServerOptions) *Server {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Millisecond
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	return &Server{opts: opts, log: opts.Log.WithField("component", "relay-server")}
}

// Serve accepts connections until ctx is done or the listener fails. Clients
// are served one after another.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	s.log.WithField("address", ln.Addr().String()).Info("relay listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("relay: accept: %w", err)
		}
		s.ServeConn(ctx, conn)
	}
}

// ServeConn plays the frames read from conn until it closes.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	log := s.log.WithField("client", conn.RemoteAddr().String())
	sess := &session{w: NewWriter(conn), log: log}
	sess.queue = schedule.NewQueue(schedule.Options{
		Capacity: s.opts.QueueSize,
		PPQ:      s.opts.PPQ,
		Tempo:    s.opts.Tempo,
		Deliver:  s.deliver,
		Beat:     sess.echo,
		Log:      log,
	})
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go sess.queue.Run(ctx, s.opts.PollInterval)
	s.current.Store(sess)
	log.Info("client connected")

	r := NewReader(conn)
	for {
		f, err := r.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.WithError(err).Warn("client connection failed")
			}
			break
		}
		if err := s.handle(sess, f); err != nil {
			log.WithError(err).WithField("type", f.Type).Warn("frame dropped")
		}
	}
	s.current.CompareAndSwap(sess, nil)
	cancel()
	sess.queue.Halt()
	s.silence()
	log.Info("client disconnected")
}

func (s *Server) handle(sess *session, f Frame) error {
	q := sess.queue
	switch f.Type {
	case FrameMIDI, FrameNow:
		if len(f.Payload) < 2 {
			return errors.New("short message")
		}
		ev, ok := midiseq.EventFromMessage(midi.Message(f.Payload[1:]), f.Clock, int(f.Payload[0]))
		if !ok {
			return fmt.Errorf("unsupported message % x", f.Payload[1:])
		}
		if f.Type == FrameNow {
			return s.deliver(&ev)
		}
		return q.Push(&ev)
	case FrameTempo:
		if len(f.Payload) < 2 {
			return errors.New("short tempo")
		}
		us, err := readVLQ(bytes.NewReader(f.Payload[1:]))
		if err != nil {
			return err
		}
		if f.Payload[0] == 1 {
			q.SetTempo(int(us))
			return nil
		}
		return q.Push(&midiseq.Event{Clock: f.Clock, Kind: midiseq.Tempo, Value: int(us)})
	case FrameBreak:
		q.Heartbeats(f.Clock, midiseq.HeartbeatTicks)
	case FrameStart:
		if len(f.Payload) > 0 {
			ppq, err := readVLQ(bytes.NewReader(f.Payload))
			if err != nil {
				return err
			}
			q.SetResolution(int(ppq))
		}
		q.Start(f.Clock)
	case FrameHalt:
		q.Halt()
	default:
		return errors.New("unexpected frame")
	}
	return nil
}

func (s *Server) deliver(ev *midiseq.Event) error {
	msg, ok := ev.Message()
	if !ok {
		return nil
	}
	if ev.Device < 0 || ev.Device >= len(s.opts.Outputs) {
		return fmt.Errorf("no output device %d", ev.Device)
	}
	return s.opts.Outputs[ev.Device](msg)
}

func (s *Server) silence() {
	for dev := range s.opts.Outputs {
		for _, ev := range midiseq.AllNotesOff(dev) {
			s.deliver(&ev)
		}
	}
}

// Input forwards a message from a local input port to the current client. It
// has the signature midi.ListenTo expects.
func (s *Server) Input(msg midi.Message, _ int32) {
	sess := s.current.Load()
	if sess == nil {
		return
	}
	if msg.Is(midi.StopMsg) {
		sess.send(Frame{Clock: sess.queue.Now(), Type: FrameStop})
		return
	}
	if msg.Is(midi.TimingClockMsg) || msg.Is(midi.ActiveSenseMsg) {
		return
	}
	sess.send(Frame{Clock: sess.queue.Now(), Type: FrameInput, Payload: msg})
}

func (s *session) echo(c midiseq.Clock) error {
	return s.send(Frame{Clock: c, Type: FrameEcho})
}

func (s *session) send(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Write(f); err != nil {
		return err
	}
	return s.w.Flush()
}
