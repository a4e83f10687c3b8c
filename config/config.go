// Package config reads the player configuration: the built-in defaults,
// overlaid by a YAML file given on the command line or found in the user
// config directory.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/midiseq/midiseq"
	"github.com/midiseq/midiseq/engine"
	"github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type (
	Config struct {
		PPQ          int
		Lookahead    LookaheadConfig
		TickInterval time.Duration
		MIDI         MIDIConfig
		Audio        AudioConfig
		Samples   SamplesConfig
		Sync      SyncConfig
		Record    RecordConfig
		Metronome MetronomeConfig
		Log       LogConfig
	}

	LookaheadConfig struct {
		Prime     int
		Margin    int
		Increment int
	}

	MIDIConfig struct {
		// Backend is one of gomidi, serial, relay or null.
		Backend   string
		Outputs   []string
		Input     string
		QueueSize int
		Serial    SerialConfig
		Relay     RelayConfig
	}

	SerialConfig struct {
		Device        string
		Baud          int
		RunningStatus bool
	}

	RelayConfig struct {
		Address string
		Devices int
	}

	AudioConfig struct {
		Enabled bool
		// Backend is oto for the sound card or wav to bounce into File.
		Backend        string
		File           string
		SampleRate     int
		Channels       int
		FragmentFrames int
		Fragments      int
		Polyphony      int
		Gain           float32
		Latency        time.Duration
	}

	SamplesConfig struct {
		// Dir is the directory the sample library is loaded from.
		Dir string
		// Channel is the song channel (1-16) played from the samples, 0 for
		// none.
		Channel int
	}

	SyncConfig struct {
		Every         int
		Tolerance     int
		MaxCorrection float64
		Horizon       int
	}

	RecordConfig struct {
		Enabled bool
		From    int
		To      int
		Thru    bool
	}

	MetronomeConfig struct {
		Enabled     bool
		Device      int
		Channel     int
		Key         int
		AccentKey   int
		Velocity    int
		BeatsPerBar int
	}

	LogConfig struct {
		Level string
	}
)

// FileName is the name looked up in the user config directory.
const FileName = "midiseq.yml"

//go:embed default.yml
var defaultYaml []byte

// Default returns the built-in configuration.
func Default() Config {
	var c Config
	if err := decode(defaultYaml, &c); err != nil {
		panic(fmt.Errorf("failed to unmarshal default config: %w", err))
	}
	return c
}

func decode(data []byte, target *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Load returns the defaults overlaid with the file at path. An empty path
// looks for FileName in the user config directory and quietly keeps the
// defaults when there is none. A leading ~ in path is expanded.
func Load(path string) (Config, error) {
	c := Default()
	explicit := path != ""
	if !explicit {
		dir, err := os.UserConfigDir()
		if err != nil {
			return c, nil
		}
		path = filepath.Join(dir, "midiseq", FileName)
	}
	path, err := homedir.Expand(path)
	if err != nil {
		return c, midiseq.ConfigMismatch(err.Error())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return c, nil
		}
		return c, fmt.Errorf("config: %w", err)
	}
	if err := decode(data, &c); err != nil {
		return c, midiseq.ConfigMismatch(fmt.Sprintf("config: %s: %v", path, err))
	}
	return c, c.Validate()
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"ppq", c.PPQ},
		{"lookahead.prime", c.Lookahead.Prime},
		{"lookahead.margin", c.Lookahead.Margin},
		{"lookahead.increment", c.Lookahead.Increment},
		{"midi.queuesize", c.MIDI.QueueSize},
		{"audio.samplerate", c.Audio.SampleRate},
		{"audio.channels", c.Audio.Channels},
		{"audio.fragmentframes", c.Audio.FragmentFrames},
		{"audio.fragments", c.Audio.Fragments},
		{"audio.polyphony", c.Audio.Polyphony},
		{"sync.every", c.Sync.Every},
		{"sync.horizon", c.Sync.Horizon},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return midiseq.ConfigMismatch(fmt.Sprintf("config: %s must be positive, got %d", p.name, p.value))
		}
	}
	if c.TickInterval <= 0 {
		return midiseq.ConfigMismatch("config: tickinterval must be positive")
	}
	if c.Lookahead.Margin >= c.Lookahead.Prime {
		return midiseq.ConfigMismatch("config: lookahead.margin must be below lookahead.prime")
	}
	switch c.MIDI.Backend {
	case "gomidi", "serial", "relay", "null":
	default:
		return midiseq.ConfigMismatch(fmt.Sprintf("config: unknown midi.backend %q", c.MIDI.Backend))
	}
	switch c.Audio.Backend {
	case "oto":
	case "wav":
		if c.Audio.Enabled && c.Audio.File == "" {
			return midiseq.ConfigMismatch("config: audio.file is needed by the wav backend")
		}
	default:
		return midiseq.ConfigMismatch(fmt.Sprintf("config: unknown audio.backend %q", c.Audio.Backend))
	}
	if c.Samples.Channel < 0 || c.Samples.Channel > 16 {
		return midiseq.ConfigMismatch("config: samples.channel must be within 0..16")
	}
	if c.Metronome.Channel < 0 || c.Metronome.Channel > 15 {
		return midiseq.ConfigMismatch("config: metronome.channel must be within 0..15")
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return midiseq.ConfigMismatch(fmt.Sprintf("config: %v", err))
	}
	return nil
}

// Level is the parsed log level; info when it does not parse.
func (c Config) Level() logrus.Level {
	l, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return logrus.InfoLevel
	}
	return l
}

// Format is the audio format asked from the audio transport.
func (c Config) Format() midiseq.AudioFormat {
	return midiseq.AudioFormat{
		SampleRate:     c.Audio.SampleRate,
		Channels:       c.Audio.Channels,
		FragmentFrames: c.Audio.FragmentFrames,
	}
}

// EngineOptions maps the configuration onto the playback engine.
func (c Config) EngineOptions(log logrus.FieldLogger) engine.Options {
	return engine.Options{
		Prime:        midiseq.Clock(c.Lookahead.Prime),
		Margin:       midiseq.Clock(c.Lookahead.Margin),
		Increment:    midiseq.Clock(c.Lookahead.Increment),
		TickInterval: c.TickInterval,
		Audio: engine.AudioOptions{
			Format:    c.Format(),
			Fragments: c.Audio.Fragments,
			Polyphony: c.Audio.Polyphony,
		},
		Sync: engine.SyncOptions{
			Every:         c.Sync.Every,
			Tolerance:     midiseq.Clock(c.Sync.Tolerance),
			MaxCorrection: c.Sync.MaxCorrection,
			Horizon:       midiseq.Clock(c.Sync.Horizon),
		},
		Record: engine.RecordOptions{
			Enabled: c.Record.Enabled,
			From:    midiseq.Clock(c.Record.From),
			To:      midiseq.Clock(c.Record.To),
		},
		Thru: c.Record.Thru,
		Metronome: midiseq.Metronome{
			Enabled:     c.Metronome.Enabled,
			Device:      c.Metronome.Device,
			Channel:     uint8(c.Metronome.Channel),
			Key:         uint8(c.Metronome.Key),
			AccentKey:   uint8(c.Metronome.AccentKey),
			Velocity:    c.Metronome.Velocity,
			BeatsPerBar: c.Metronome.BeatsPerBar,
		},
		Log: log,
	}
}
