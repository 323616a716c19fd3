// Program autorx supervises radiosonde decoder chains: one subprocess
// pipeline per configured SDR channel, each converting demodulated sonde
// transmissions into JSON telemetry that is validated, deduplicated, and
// fanned out to the configured exporters.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"autorx/config"
	"autorx/decoder"
	"autorx/exporter"
	"autorx/gps"
	"autorx/telemetry"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"
)

const (
	defaultConfigPath = "config.yaml"
	envConfigPath     = "AUTORX_CONFIG_PATH"
	statusInterval    = 60 * time.Second
)

func main() {
	configPath := flag.String("config", resolveConfigPath(), "path to station config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config: %v", err)
	}

	fanout, err := setupLogging(cfg.Logging, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Logging: file logging unavailable: %v\n", err)
	}
	log.SetFlags(0)
	log.SetOutput(fanout)
	defer fanout.Close()

	if term.IsTerminal(int(os.Stdout.Fd())) {
		cfg.Print()
	}

	consumers, cleanup, err := buildExporters(cfg)
	if err != nil {
		log.Fatalf("Exporters: %v", err)
	}
	defer cleanup()

	// Cross-channel dedupe rides the dispatcher's filter slot: a duplicate
	// frame is simply not accepted.
	var filter telemetry.FilterFunc
	if window := cfg.Exporters.DedupeWindowSeconds; window > 0 {
		deduper := telemetry.NewDeduper(time.Duration(window) * time.Second)
		filter = func(rec *telemetry.Record) (bool, error) {
			return !deduper.Duplicate(rec), nil
		}
	}

	dispatcher, err := telemetry.NewDispatcher(filter, consumers...)
	if err != nil {
		log.Fatalf("Dispatcher: %v", err)
	}

	provider := ephemerisProvider(cfg.Ephemeris)

	var supervisors []*decoder.Supervisor
	for _, ch := range cfg.Channels {
		dcfg := decoder.Config{
			Type:         ch.Type,
			Freq:         ch.FreqMHz * 1e6,
			Device:       ch.Device,
			PPM:          ch.PPM,
			Gain:         ch.GainOrAGC(),
			Bias:         ch.Bias,
			SaveAudio:    cfg.Decoder.SaveAudio,
			SaveIQ:       cfg.Decoder.SaveIQ,
			Timeout:      time.Duration(cfg.Decoder.TimeoutSeconds) * time.Second,
			RSPath:       cfg.Decoder.RSPath,
			RTLFMPath:    cfg.Decoder.RTLFMPath,
			IMetLocation: cfg.Station.Location,
			Verbose:      cfg.Decoder.Verbose,
		}
		sup, err := decoder.NewSupervisor(dcfg, dispatcher, provider)
		if err != nil {
			log.Printf("Channel %s %.3f MHz: not started: %v", ch.Type, ch.FreqMHz, err)
			continue
		}
		if err := sup.Start(); err != nil {
			log.Printf("Channel %s %.3f MHz: failed to start: %v", ch.Type, ch.FreqMHz, err)
			continue
		}
		supervisors = append(supervisors, sup)
	}
	if len(supervisors) == 0 {
		log.Fatalf("No decoder channels could be started, exiting")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	allDone := make(chan struct{})
	go func() {
		for _, sup := range supervisors {
			<-sup.Done()
		}
		close(allDone)
	}()

	status := time.NewTicker(statusInterval)
	defer status.Stop()

	running := true
	for running {
		select {
		case <-sigChan:
			log.Printf("Shutdown requested, stopping decoders...")
			running = false
		case <-allDone:
			log.Printf("All decoders have stopped")
			running = false
		case <-status.C:
			logStatus(supervisors)
		}
	}

	for _, sup := range supervisors {
		sup.Stop()
	}
	for _, sup := range supervisors {
		log.Printf("Decoder exit state: %s (%s frames)",
			sup.ExitState(), humanize.Comma(int64(sup.Frames())))
	}
}

func resolveConfigPath() string {
	if path := os.Getenv(envConfigPath); path != "" {
		return path
	}
	return defaultConfigPath
}

// buildExporters assembles the configured consumer set and a cleanup
// function that releases their resources in reverse order.
func buildExporters(cfg *config.Config) ([]telemetry.Consumer, func(), error) {
	var consumers []telemetry.Consumer
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if rc := cfg.Exporters.Recorder; rc.Enabled {
		rec, err := exporter.NewRecorder(rc.Path, rc.PerTypeLimit)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		consumers = append(consumers, rec.Record)
		closers = append(closers, func() { _ = rec.Close() })
	}
	if mc := cfg.Exporters.MQTT; mc.Enabled {
		pub, err := exporter.NewMQTTPublisher(mc.Broker, mc.Port, mc.TopicPrefix, mc.ClientID)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		consumers = append(consumers, pub.Publish)
		closers = append(closers, pub.Stop)
	}
	if ac := cfg.Exporters.Archive; ac.Enabled {
		arc, err := exporter.NewArchive(ac.Dir)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		consumers = append(consumers, arc.Update)
		closers = append(closers, func() { _ = arc.Close() })
	}

	return consumers, cleanup, nil
}

// ephemerisProvider builds the GPS data source for RS92 channels, or nil
// when none is configured (non-RS92 stations never need one).
func ephemerisProvider(cfg config.EphemerisConfig) gps.Provider {
	if cfg.Path != "" {
		return gps.FileProvider{Path: cfg.Path, Almanac: cfg.PathAlmanac}
	}
	if cfg.EphemerisURL != "" || cfg.AlmanacURL != "" {
		return gps.HTTPProvider{
			EphemerisURL: cfg.EphemerisURL,
			AlmanacURL:   cfg.AlmanacURL,
			Dir:          cfg.Dir,
		}
	}
	return nil
}

func logStatus(supervisors []*decoder.Supervisor) {
	active := 0
	var frames uint64
	for _, sup := range supervisors {
		if sup.Running() {
			active++
		}
		frames += sup.Frames()
	}
	log.Printf("Status: %d/%d decoders running, %s frames dispatched",
		active, len(supervisors), humanize.Comma(int64(frames)))
}
