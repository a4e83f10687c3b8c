package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"

	"github.com/midiseq/midiseq/cmd"
	"github.com/midiseq/midiseq/gomidi"
	"github.com/midiseq/midiseq/relay"
	"github.com/midiseq/midiseq/version"
	"github.com/sirupsen/logrus"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
)

func main() {
	listen := flag.String("l", "127.0.0.1:7531", "Address to listen on.")
	outputs := flag.String("o", "", "Comma separated output port name prefixes, one per device. Empty opens the first port.")
	input := flag.String("i", "", "Input port name prefix. Input is not forwarded when no port matches.")
	list := flag.Bool("list", false, "List the MIDI ports and exit.")
	queueSize := flag.Int("q", 1024, "Events the relay schedules at most.")
	logLevel := flag.String("log", "info", "Log level.")
	versionFlag := flag.Bool("v", false, "Print version.")
	flag.Usage = printUsage
	flag.Parse()
	if *versionFlag {
		fmt.Println(version.VersionOrHash)
		os.Exit(0)
	}
	log := logrus.New()
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log.SetLevel(level)

	driver := cmd.NewMIDIDriver()
	if driver == nil {
		fmt.Fprintln(os.Stderr, "no MIDI driver available in this build")
		os.Exit(1)
	}
	defer driver.Close()
	if *list {
		listPorts(driver)
		return
	}

	outs, err := driver.Outs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not list output ports: %v\n", err)
		os.Exit(1)
	}
	var sends []func(midi.Message) error
	for _, name := range strings.Split(*outputs, ",") {
		out, err := gomidi.FindPort(outs, strings.TrimSpace(name))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if err := out.Open(); err != nil {
			fmt.Fprintf(os.Stderr, "could not open %v: %v\n", out, err)
			os.Exit(1)
		}
		send, err := midi.SendTo(out)
		if err != nil {
			fmt.Fprintf(os.Stderr, "could not open %v: %v\n", out, err)
			os.Exit(1)
		}
		sends = append(sends, send)
		log.WithField("port", out.String()).Info("output port opened")
	}
	srv := relay.NewServer(relay.ServerOptions{Outputs: sends, QueueSize: *queueSize, Log: log})

	if *input != "" {
		stop, err := openInput(driver, *input, srv)
		if err != nil {
			log.WithError(err).Warn("input port unavailable, input is not forwarded")
		} else {
			defer stop()
		}
	}

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not listen on %v: %v\n", *listen, err)
		os.Exit(1)
	}
	log.WithField("address", ln.Addr().String()).Info("relay listening")
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := srv.Serve(ctx, ln); err != nil && ctx.Err() == nil {
		log.WithError(err).Error("relay stopped")
	}
}

func openInput(driver drivers.Driver, name string, srv *relay.Server) (func(), error) {
	ins, err := driver.Ins()
	if err != nil {
		return nil, err
	}
	in, err := gomidi.FindPort(ins, name)
	if err != nil {
		return nil, err
	}
	if err := in.Open(); err != nil {
		return nil, err
	}
	return midi.ListenTo(in, srv.Input, midi.UseSysEx())
}

func listPorts(driver drivers.Driver) {
	if outs, err := driver.Outs(); err == nil {
		for i, o := range outs {
			fmt.Printf("out %d: %s\n", i, o.String())
		}
	}
	if ins, err := driver.Ins(); err == nil {
		for i, in := range ins {
			fmt.Printf("in  %d: %s\n", i, in.String())
		}
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "midiseq-relay schedules the events of a remote player on local MIDI ports.\nUsage: %s [flags]\n", os.Args[0])
	flag.PrintDefaults()
}
