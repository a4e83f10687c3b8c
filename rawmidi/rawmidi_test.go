package rawmidi_test

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/midiseq/midiseq"
	"github.com/midiseq/midiseq/rawmidi"
	"github.com/sirupsen/logrus"
)

func feed(p *rawmidi.Parser, in []byte) [][]byte {
	var ret [][]byte
	for _, b := range in {
		if msg, ok := p.Feed(b); ok {
			ret = append(ret, []byte(msg))
		}
	}
	return ret
}

func TestParser(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want [][]byte
	}{
		{"note on", []byte{0x90, 60, 100}, [][]byte{{0x90, 60, 100}}},
		{"running status", []byte{0x90, 60, 100, 62, 0, 64, 90}, [][]byte{{0x90, 60, 100}, {0x90, 62, 0}, {0x90, 64, 90}}},
		{"program", []byte{0xc1, 5, 6}, [][]byte{{0xc1, 5}, {0xc1, 6}}},
		{"realtime inside message", []byte{0xb0, 7, 0xf8, 100}, [][]byte{{0xf8}, {0xb0, 7, 100}}},
		{"sysex", []byte{0xf0, 0x7e, 0x7f, 0xf7}, [][]byte{{0xf0, 0x7e, 0x7f, 0xf7}}},
		{"aborted sysex", []byte{0xf0, 0x7e, 0x90, 60, 1}, [][]byte{{0x90, 60, 1}}},
		{"common cancels running status", []byte{0x90, 60, 1, 0xf3, 2, 60, 1}, [][]byte{{0x90, 60, 1}, {0xf3, 2}}},
		{"leading data bytes", []byte{60, 100, 0x80, 60, 0}, [][]byte{{0x80, 60, 0}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p rawmidi.Parser
			got := feed(&p, tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("got % x, expected % x", got, tt.want)
			}
			for i := range got {
				if !bytes.Equal(got[i], tt.want[i]) {
					t.Fatalf("message %d = % x, expected % x", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestEncoderRunningStatus(t *testing.T) {
	var buf bytes.Buffer
	e := rawmidi.NewEncoder(&buf, true)
	e.Write([]byte{0x90, 60, 100})
	e.Write([]byte{0x90, 62, 100})
	e.Write([]byte{0xfe})
	e.Write([]byte{0x90, 64, 100})
	e.Write([]byte{0x80, 64, 0})
	e.Write([]byte{0xf0, 1, 0xf7})
	e.Write([]byte{0x80, 64, 0})
	want := []byte{0x90, 60, 100, 62, 100, 0xfe, 64, 100, 0x80, 64, 0, 0xf0, 1, 0xf7, 0x80, 64, 0}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("got % x\nexpected % x", buf.Bytes(), want)
	}
	var p rawmidi.Parser
	if n := len(feed(&p, buf.Bytes())); n != 7 {
		t.Fatalf("parser recovered %d messages, expected 7", n)
	}
}

// line is an in-memory serial port: writes are recorded, reads come from a
// pipe fed by the test.
type line struct {
	mu      sync.Mutex
	written bytes.Buffer
	r       *io.PipeReader
	w       *io.PipeWriter
}

func newLine() *line {
	r, w := io.Pipe()
	return &line{r: r, w: w}
}

func (l *line) Read(p []byte) (int, error) { return l.r.Read(p) }

func (l *line) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.written.Write(p)
}

func (l *line) Close() error { return l.r.Close() }

func (l *line) bytes() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]byte(nil), l.written.Bytes()...)
}

func newTransport(l *line) *rawmidi.Transport {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return rawmidi.New(rawmidi.Options{
		Device: "/dev/fake",
		PPQ:    96,
		Tempo:  1000,
		Open: func(string, int) (io.ReadWriteCloser, error) {
			if l == nil {
				return nil, errors.New("no such device")
			}
			return l, nil
		},
		Log: log,
	})
}

func TestOpenFailureIsUnavailable(t *testing.T) {
	tr := newTransport(nil)
	if err := tr.Open(midiseq.ModePlay, midiseq.SyncImmediate); midiseq.ErrorKind(err) != midiseq.KindUnavailable {
		t.Fatalf("Open = %v", err)
	}
}

func TestScheduledOutputAndHeartbeats(t *testing.T) {
	l := newLine()
	tr := newTransport(l)
	if err := tr.Open(midiseq.ModePlay, midiseq.SyncTrigger); err != nil {
		t.Fatalf("Open: %v", err)
	}
	tr.SendScheduled(&midiseq.Event{Clock: 1, Kind: midiseq.KeyOn, Key: 60, Value: 100})
	tr.Flush(48)
	tr.Start(0)
	deadline := time.Now().Add(2 * time.Second)
	for len(l.bytes()) < 4 {
		if time.Now().After(deadline) {
			t.Fatalf("timed out, line carries % x", l.bytes())
		}
		time.Sleep(time.Millisecond)
	}
	if got := l.bytes(); !bytes.Equal(got[:4], []byte{0x90, 60, 100, 0xfe}) {
		t.Fatalf("line carries % x", got)
	}
	if err := tr.Close(true); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestInputRecordsAndStops(t *testing.T) {
	l := newLine()
	tr := newTransport(l)
	if err := tr.Open(midiseq.ModeRecord, midiseq.SyncImmediate); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tr.Close(false)
	l.w.Write([]byte{0x90, 60, 100, 0xfe, 60, 0})
	var got []midiseq.Event
	deadline := time.Now().Add(2 * time.Second)
	for len(got) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("timed out, got %v", got)
		}
		tr.ReadClock(func(ev midiseq.Event) { got = append(got, ev) })
		time.Sleep(time.Millisecond)
	}
	if got[0].Kind != midiseq.KeyOn || got[1].Kind != midiseq.KeyOff {
		t.Fatalf("inbound events %v", got)
	}
	l.w.Write([]byte{0xfc})
	for tr.ReadClock(nil) != midiseq.ClockStop {
		if time.Now().After(deadline) {
			t.Fatalf("stop not reported")
		}
		time.Sleep(time.Millisecond)
	}
}
