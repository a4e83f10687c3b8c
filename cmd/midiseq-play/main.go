package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/midiseq/midiseq"
	"github.com/midiseq/midiseq/cmd"
	"github.com/midiseq/midiseq/config"
	"github.com/midiseq/midiseq/engine"
	"github.com/midiseq/midiseq/samples"
	"github.com/midiseq/midiseq/smfsong"
	"github.com/midiseq/midiseq/version"
	"github.com/sirupsen/logrus"
)

func main() {
	configFile := flag.String("config", "", "Read the configuration from this file instead of the user config directory.")
	start := flag.Int64("start", 0, "Start playing from this tick.")
	loopEnd := flag.Int64("loop", 0, "Loop the range from start to this tick. Zero plays to the end of the song.")
	backend := flag.String("midi", "", "Override the MIDI backend: gomidi, serial, relay or null.")
	wavOut := flag.String("w", "", "Bounce the sample tracks into this .wav file instead of playing them.")
	record := flag.String("r", "", "Record the MIDI input and save it as a .mid file at this path.")
	ui := flag.Bool("ui", false, "Show the interactive status view.")
	logLevel := flag.String("log", "", "Override the log level.")
	versionFlag := flag.Bool("v", false, "Print version.")
	flag.Usage = printUsage
	flag.Parse()
	if *versionFlag {
		fmt.Println(version.VersionOrHash)
		os.Exit(0)
	}
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	c, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not load configuration: %v\n", err)
		os.Exit(1)
	}
	if *backend != "" {
		c.MIDI.Backend = *backend
	}
	if *wavOut != "" {
		c.Audio.Enabled, c.Audio.Backend, c.Audio.File = true, "wav", *wavOut
	}
	if *record != "" {
		c.Record.Enabled = true
	}
	if *logLevel != "" {
		c.Log.Level = *logLevel
	}
	if err := c.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log := logrus.New()
	log.SetLevel(c.Level())
	if *ui {
		// the status view owns the terminal
		log.SetOutput(logFile())
	}

	var sampleSet midiseq.SampleSet
	if c.Samples.Dir != "" {
		set, err := samples.Load(c.Samples.Dir, log)
		if err != nil {
			fmt.Fprintf(os.Stderr, "could not load samples: %v\n", err)
			os.Exit(1)
		}
		sampleSet = set
	}
	song, err := smfsong.ReadFile(flag.Arg(0), smfsong.Options{
		Samples:      sampleSet,
		AudioChannel: c.Samples.Channel,
		Devices:      len(c.MIDI.Outputs),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not read song: %v\n", err)
		os.Exit(1)
	}
	midiOut, err := cmd.NewTransport(c, song.PPQ(), song.Tempo(), log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	audioOut, err := cmd.NewAudio(c, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	broker := engine.NewBroker()
	e := engine.New(song, midiOut, audioOut, broker, c.EngineOptions(log))
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	go e.Run(ctx)

	p := player{
		engine:  e,
		start:   midiseq.Clock(*start),
		loopEnd: midiseq.Clock(*loopEnd),
		song:    song,
		record:  *record,
		log:     log,
	}
	if *ui {
		m := newStatus(p, broker)
		if _, err := tea.NewProgram(m, tea.WithContext(ctx)).Run(); err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "status view failed: %v\n", err)
		}
		p.finish(broker)
		return
	}
	p.play()
	for {
		select {
		case <-ctx.Done():
			p.finish(broker)
			return
		case msg := <-broker.ToUI:
			if p.handle(msg) {
				return
			}
		}
	}
}

type player struct {
	engine  *engine.Engine
	start   midiseq.Clock
	loopEnd midiseq.Clock
	song    *smfsong.Song
	record  string
	log     logrus.FieldLogger
}

func (p player) play() engine.Capabilities {
	caps := p.engine.StartPlay(p.start, p.loopEnd, false)
	if !caps.MIDI && !caps.Audio {
		p.log.Warn("no output could be opened, nothing will be heard")
	}
	return caps
}

// stop stops playback. The recording arrives on the broker.
func (p player) stop() {
	p.engine.StopPlay()
}

// finish stops playback and waits for the engine to hand over the
// recording.
func (p player) finish(broker *engine.Broker) {
	if p.engine.State() != engine.Playing {
		return
	}
	p.stop()
	for {
		msg, ok := engine.TimeoutReceive(broker.ToUI, time.Second)
		if !ok || p.handle(msg) {
			return
		}
	}
}

// handle processes a broker message and reports whether playback is over.
func (p player) handle(msg any) bool {
	switch m := msg.(type) {
	case engine.Alert:
		p.log.WithField("alert", m.Name).Warn(m.Message)
	case engine.RecordingMsg:
		p.save(m.Events)
	case engine.PositionMsg:
		return m.Clock < 0
	}
	return false
}

func (p player) save(rec *midiseq.EventBuffer) {
	if p.record == "" || rec == nil || rec.Len() == 0 {
		return
	}
	f, err := os.Create(p.record)
	if err != nil {
		p.log.WithError(err).Error("could not save the recording")
		return
	}
	defer f.Close()
	if err := smfsong.WriteRecording(f, rec, p.start, p.song.PPQ(), p.song.Tempo()); err != nil {
		p.log.WithError(err).Error("could not save the recording")
		return
	}
	p.log.WithFields(logrus.Fields{"file": p.record, "events": rec.Len()}).Info("recording saved")
}

func logFile() *os.File {
	f, err := os.CreateTemp("", "midiseq-*.log")
	if err != nil {
		return os.Stderr
	}
	return f
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "midiseq-play plays a Standard MIDI File on MIDI outputs, with its sample tracks on the sound card.\nUsage: %s [flags] song.mid\n", os.Args[0])
	flag.PrintDefaults()
}
