// Package wavfile is an audio transport that bounces the sample tracks into a
// 16-bit PCM .wav file instead of playing them.
package wavfile

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/midiseq/midiseq"
	"github.com/sirupsen/logrus"
)

type Device struct {
	path string
	log  logrus.FieldLogger

	mu      sync.Mutex
	file    io.WriteSeeker
	closer  io.Closer
	enc     *wav.Encoder
	buf     audio.IntBuffer
	format  midiseq.AudioFormat
	done    func(midiseq.FragmentID)
	written int64 // samples
}

var _ midiseq.AudioTransport = (*Device)(nil)

// New returns a device writing to path. The file is created by Open.
func New(path string, log logrus.FieldLogger) *Device {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Device{path: path, log: log.WithFields(logrus.Fields{"backend": "wavfile", "path": path})}
}

// NewWriter returns a device writing to w, which Close does not close.
func NewWriter(w io.WriteSeeker, log logrus.FieldLogger) *Device {
	d := New("", log)
	d.file = w
	return d
}

func (d *Device) Open(want midiseq.AudioFormat, _ midiseq.SyncMode, done func(midiseq.FragmentID)) (midiseq.AudioFormat, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if want.SampleRate <= 0 || want.Channels <= 0 {
		return want, midiseq.ConfigMismatch(fmt.Sprintf("wavfile: invalid format %d Hz, %d channels", want.SampleRate, want.Channels))
	}
	if want.FragmentFrames <= 0 {
		want.FragmentFrames = 1024
	}
	if d.file == nil {
		f, err := os.Create(d.path)
		if err != nil {
			return want, midiseq.Unavailable(err, "wavfile: creating output")
		}
		d.file, d.closer = f, f
	}
	d.format, d.done, d.written = want, done, 0
	d.enc = wav.NewEncoder(d.file, want.SampleRate, 16, want.Channels, 1)
	d.buf = audio.IntBuffer{
		Format:         &audio.Format{NumChannels: want.Channels, SampleRate: want.SampleRate},
		SourceBitDepth: 16,
	}
	// an empty write puts the header, so that a bounce of silence is still
	// a valid file
	if err := d.enc.Write(&d.buf); err != nil {
		return want, midiseq.Unavailable(err, "wavfile: writing header")
	}
	d.log.WithField("rate", want.SampleRate).Info("bouncing audio to file")
	return want, nil
}

func (d *Device) Start() error { return nil }

// Submit writes the fragment and completes it at once.
func (d *Device) Submit(id midiseq.FragmentID, pcm []int16) error {
	d.mu.Lock()
	if d.enc == nil {
		d.mu.Unlock()
		return midiseq.ErrClosed
	}
	d.buf.Data = d.buf.Data[:0]
	for _, v := range pcm {
		d.buf.Data = append(d.buf.Data, int(v))
	}
	err := d.enc.Write(&d.buf)
	if err == nil {
		d.written += int64(len(pcm))
	}
	done := d.done
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("wavfile: %w", err)
	}
	if done != nil {
		done(id)
	}
	return nil
}

func (d *Device) Prime() error { return nil }

// Played returns the number of samples written.
func (d *Device) Played() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.written
}

// Realtime is false: the file takes fragments as fast as they come, so its
// sample count says nothing about the playback instant.
func (d *Device) Realtime() bool { return false }

// Close patches the header with the final length.
func (d *Device) Close(bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.enc == nil {
		return nil
	}
	err := d.enc.Close()
	if d.closer != nil {
		if cerr := d.closer.Close(); err == nil {
			err = cerr
		}
		d.file, d.closer = nil, nil
	}
	d.enc = nil
	d.log.WithField("samples", d.written).Info("audio file written")
	return err
}
