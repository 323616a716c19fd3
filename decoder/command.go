package decoder

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"autorx/gps"
)

// Pipeline is the decode chain as explicit argv vectors connected stdout to
// stdin, in order. Building argv directly (rather than one shell string)
// removes quoting ambiguity around device serials and file paths.
type Pipeline struct {
	Stages [][]string
}

// String renders the pipeline for log output.
func (p *Pipeline) String() string {
	parts := make([]string, 0, len(p.Stages))
	for _, stage := range p.Stages {
		parts = append(parts, strings.Join(stage, " "))
	}
	return strings.Join(parts, " | ")
}

// BuildPipeline constructs the family-specific decode pipeline. It returns
// an error when the family is unsupported or, for RS92, when no ephemeris or
// almanac can be obtained; the supervisor refuses to start in either case.
func BuildPipeline(cfg Config, eph gps.Provider) (*Pipeline, error) {
	if !cfg.validType() {
		return nil, fmt.Errorf("decoder: unsupported sonde type %q", cfg.Type)
	}

	p := &Pipeline{}

	switch cfg.Type {
	case "RS41":
		p.add(rtlFMStage(cfg, "15k"))
		p.maybeSaveIQ(cfg)
		p.add(soxStage("15k", "lowpass", "2600"))
		p.maybeSaveAudio(cfg)
		p.add([]string{filepath.Join(cfg.RSPath, "rs41mod"), "--ptu", "--json"})

	case "RS92":
		gpsArgs, err := rs92GPSArgs(cfg, eph)
		if err != nil {
			return nil, err
		}
		// 1680 MHz sondes need a wider FM bandwidth than the 400 MHz band.
		rxBW := "12000"
		if cfg.Freq >= 1000e6 {
			rxBW = "28000"
		}
		p.add(rtlFMStage(cfg, rxBW))
		p.maybeSaveIQ(cfg)
		p.add(soxStage(rxBW, "lowpass", "2500", "highpass", "20"))
		p.maybeSaveAudio(cfg)
		stage := []string{filepath.Join(cfg.RSPath, "rs92mod"), "-vx", "-v", "--crc", "--ecc", "--vel", "--json"}
		p.add(append(stage, gpsArgs...))

	case "DFM":
		// dfm09ecc auto-detects inversion, so no invert flag is needed.
		p.add(rtlFMStage(cfg, "15k"))
		p.maybeSaveIQ(cfg)
		p.add(soxStage("15k", "highpass", "20", "lowpass", "2000"))
		p.maybeSaveAudio(cfg)
		p.add([]string{filepath.Join(cfg.RSPath, "dfm09ecc"), "-vv", "--ecc", "--json", "--dist", "--auto"})

	case "M10":
		p.add(rtlFMStage(cfg, "22k"))
		p.maybeSaveIQ(cfg)
		p.add(soxStage("22k", "highpass", "20"))
		p.maybeSaveAudio(cfg)
		p.add([]string{filepath.Join(cfg.RSPath, "m10"), "-b", "-b2"})

	case "iMet":
		p.add(rtlFMStage(cfg, "15k"))
		p.maybeSaveIQ(cfg)
		p.add(soxStage("15k", "highpass", "20"))
		p.maybeSaveAudio(cfg)
		p.add([]string{filepath.Join(cfg.RSPath, "imet1rs_dft"), "--json"})
	}

	return p, nil
}

func (p *Pipeline) add(stage []string) {
	p.Stages = append(p.Stages, stage)
}

func (p *Pipeline) maybeSaveAudio(cfg Config) {
	if cfg.SaveAudio {
		p.add([]string{"tee", fmt.Sprintf("decode_%s.wav", cfg.Device)})
	}
}

// The tee sits after rtl_fm, which runs in FM mode, so the capture is the
// demodulated sample stream, not raw IQ. Raw IQ would need a raw front-end
// mode rtl_fm does not run in here.
func (p *Pipeline) maybeSaveIQ(cfg Config) {
	if cfg.SaveIQ {
		p.add([]string{"tee", fmt.Sprintf("decode_fm_%s.bin", cfg.Device)})
	}
}

// rtlFMStage builds the common rtl_fm front end with the family-specific
// sample rate.
func rtlFMStage(cfg Config, rate string) []string {
	args := []string{cfg.RTLFMPath}
	if cfg.Bias {
		args = append(args, "-T")
	}
	args = append(args, "-p", strconv.Itoa(cfg.PPM), "-d", cfg.Device)
	if cfg.Gain != -1 {
		args = append(args, "-g", fmt.Sprintf("%.1f", cfg.Gain))
	}
	args = append(args, "-M", "fm", "-F9", "-s", rate, "-f", strconv.FormatInt(int64(cfg.Freq), 10))
	return args
}

// soxStage resamples the raw FM audio to the 48 kHz 8-bit WAV stream the
// decoders expect, with family-specific filters appended.
func soxStage(inRate string, filters ...string) []string {
	args := []string{
		"sox", "-t", "raw", "-r", inRate, "-e", "s", "-b", "16", "-c", "1", "-",
		"-r", "48000", "-b", "8", "-t", "wav", "-",
	}
	return append(args, filters...)
}

// rs92GPSArgs resolves the ephemeris/almanac arguments. A fixed operator
// file wins; otherwise the provider is asked to fetch one.
func rs92GPSArgs(cfg Config, eph gps.Provider) ([]string, error) {
	if cfg.RS92Ephemeris != "" {
		return []string{"-e", cfg.RS92Ephemeris}, nil
	}
	if eph == nil {
		return nil, fmt.Errorf("decoder: RS92 requires an ephemeris source and none is configured")
	}
	src, err := eph.Fetch(context.Background())
	if err != nil {
		return nil, fmt.Errorf("decoder: RS92 ephemeris unavailable: %w", err)
	}
	if src.Almanac {
		// Almanac decoding needs the GPS epoch pinned. This rolls over in 2038.
		return []string{"-a", src.Path, "--gpsepoch", "2"}, nil
	}
	return []string{"-e", src.Path}, nil
}
