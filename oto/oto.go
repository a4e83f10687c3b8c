// Package oto is the OS callback-driven audio transport: the platform audio
// API pulls samples from a Stream through github.com/ebitengine/oto/v3.
package oto

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/midiseq/midiseq"
	"github.com/sirupsen/logrus"
)

type (
	Device struct {
		opts   Options
		log    logrus.FieldLogger
		stream *Stream
		player *oto.Player
		format midiseq.AudioFormat
	}

	Options struct {
		// Fragments is the number of fragments the stream holds at most.
		Fragments int
		Gain      float32
		// Latency is the buffer size asked from the OS audio API.
		Latency      time.Duration
		DrainTimeout time.Duration
		Log          logrus.FieldLogger
	}
)

// oto supports one context per process; its format is fixed by the first
// Open.
var (
	contextOnce   sync.Once
	sharedContext *oto.Context
	sharedFormat  midiseq.AudioFormat
	contextErr    error
)

func ensureContext(f midiseq.AudioFormat, latency time.Duration) (*oto.Context, error) {
	contextOnce.Do(func() {
		op := &oto.NewContextOptions{
			SampleRate:   f.SampleRate,
			ChannelCount: f.Channels,
			Format:       oto.FormatFloat32LE,
			BufferSize:   latency,
		}
		var ready chan struct{}
		sharedContext, ready, contextErr = oto.NewContext(op)
		if contextErr != nil {
			return
		}
		<-ready
		sharedFormat = f
	})
	if contextErr != nil {
		return nil, midiseq.Unavailable(contextErr, "oto: creating audio context")
	}
	if sharedFormat.SampleRate != f.SampleRate || sharedFormat.Channels != f.Channels {
		return nil, midiseq.ConfigMismatch(fmt.Sprintf("oto: context runs at %d Hz, %d channels", sharedFormat.SampleRate, sharedFormat.Channels))
	}
	return sharedContext, nil
}

var (
	_ midiseq.AudioTransport = (*Device)(nil)
	_ midiseq.Dropper        = (*Device)(nil)
)

func New(opts Options) *Device {
	if opts.Fragments <= 0 {
		opts.Fragments = 4
	}
	if opts.Gain == 0 {
		opts.Gain = 1
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 5 * time.Second
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	return &Device{opts: opts, log: opts.Log.WithField("backend", "oto")}
}

// Open validates the format and starts pulling silence. The fragment size is
// taken from want; oto has no preference.
func (d *Device) Open(want midiseq.AudioFormat, syncMode midiseq.SyncMode, done func(midiseq.FragmentID)) (midiseq.AudioFormat, error) {
	if want.SampleRate < 8000 || want.SampleRate > 192000 {
		return want, midiseq.ConfigMismatch(fmt.Sprintf("oto: unsupported sample rate %d", want.SampleRate))
	}
	if want.Channels < 1 || want.Channels > 2 {
		return want, midiseq.ConfigMismatch(fmt.Sprintf("oto: unsupported channel count %d", want.Channels))
	}
	if want.FragmentFrames <= 0 {
		want.FragmentFrames = 1024
	}
	ctx, err := ensureContext(want, d.opts.Latency)
	if err != nil {
		return want, err
	}
	d.format = want
	d.stream = NewStream(d.opts.Fragments, d.opts.Gain, done)
	d.player = ctx.NewPlayer(d.stream)
	// keep oto's own buffer at one fragment so Played stays close to what
	// is audible
	d.player.SetBufferSize(want.FragmentSamples() * bytesPerSample)
	d.log.WithFields(logrus.Fields{"rate": want.SampleRate, "channels": want.Channels, "fragment": want.FragmentFrames}).Info("audio device opened")
	if syncMode == midiseq.SyncImmediate {
		return want, d.Start()
	}
	return want, nil
}

func (d *Device) Start() error {
	if d.player == nil {
		return midiseq.ErrClosed
	}
	d.stream.Start()
	d.player.Play()
	return nil
}

func (d *Device) Submit(id midiseq.FragmentID, pcm []int16) error {
	if d.stream == nil {
		return midiseq.ErrClosed
	}
	return d.stream.Submit(id, pcm)
}

func (d *Device) Prime() error {
	if d.stream == nil {
		return midiseq.ErrClosed
	}
	d.stream.Prime()
	return nil
}

// Drop discards the queued fragments, for a seek.
func (d *Device) Drop() {
	if d.stream != nil {
		d.stream.Drop()
	}
}

// Played compensates for the samples oto has pulled but not yet played.
func (d *Device) Played() int64 {
	if d.stream == nil {
		return 0
	}
	buffered := int64(d.player.BufferedSize() / bytesPerSample)
	return max(d.stream.Played()-buffered, 0)
}

// Peak returns the output peak since the last call, for metering.
func (d *Device) Peak() float32 {
	if d.stream == nil {
		return 0
	}
	return d.stream.Peak()
}

func (d *Device) Close(drain bool) error {
	if d.player == nil {
		return nil
	}
	if drain {
		ctx, cancel := context.WithTimeout(context.Background(), d.opts.DrainTimeout)
		d.waitDrained(ctx)
		cancel()
	}
	err := d.player.Close()
	d.stream.Close()
	d.player, d.stream = nil, nil
	d.log.Info("audio device closed")
	return err
}

func (d *Device) waitDrained(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for d.stream.Queued() > 0 || d.player.BufferedSize() > 0 {
		select {
		case <-ctx.Done():
			d.log.Warn("audio not drained")
			return
		case <-ticker.C:
		}
	}
}
