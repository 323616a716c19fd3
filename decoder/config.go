// Package decoder supervises one radiosonde decode chain: it builds the
// rtl_fm/sox/decoder pipeline for a sonde family, runs it as a child process
// group, converts its stdout JSON lines into telemetry records, and hands
// accepted records to the dispatch layer. One Supervisor runs per receiver
// channel; instances share nothing but process-wide logging.
package decoder

import (
	"strings"
	"time"
)

// ValidTypes lists the sonde families this decoder chain supports.
var ValidTypes = []string{"RS41", "RS92", "DFM", "M10", "iMet"}

// Default tuning for the supervisor control loop.
const (
	DefaultTimeout      = 180 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

// Config describes one decode channel. It is fixed at supervisor
// construction and never mutated afterwards.
type Config struct {
	// Type is the sonde family as reported by the scanner. A leading "-"
	// marks an inverted signal and is stripped during validation.
	Type     string
	Inverted bool

	// Freq is the sonde centre frequency in Hz.
	Freq float64

	// Device selects the RTLSDR by index or serial number.
	Device string

	// PPM is the SDR frequency correction. Gain is in dB; -1 enables AGC.
	PPM  int
	Gain float64
	Bias bool

	// SaveAudio tees the resampled audio to decode_<device>.wav; SaveIQ
	// tees rtl_fm's demodulated FM sample stream to decode_fm_<device>.bin
	// (rtl_fm runs in FM mode, so this is not raw IQ). Debugging aids only;
	// both eat disk quickly.
	SaveAudio bool
	SaveIQ    bool

	// Timeout is how long the supervisor tolerates no accepted telemetry
	// before declaring the decode stalled. PollInterval is the control
	// loop cadence and bounds how fast Stop() is honored.
	Timeout      time.Duration
	PollInterval time.Duration

	// RSPath locates the decoder binaries; RTLFMPath locates rtl_fm or a
	// drop-in equivalent.
	RSPath    string
	RTLFMPath string

	// RS92Ephemeris is an operator-supplied ephemeris file. When empty the
	// configured gps.Provider is consulted instead.
	RS92Ephemeris string

	// IMetLocation feeds the synthesized iMet identity and is stamped on
	// every iMet record as the station code.
	IMetLocation string

	// Verbose enables per-line reject logging.
	Verbose bool
}

// normalize strips the inversion marker and applies defaults. Called once
// during supervisor construction.
func (c *Config) normalize() {
	if strings.HasPrefix(c.Type, "-") {
		c.Inverted = true
		c.Type = strings.TrimPrefix(c.Type, "-")
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.RTLFMPath == "" {
		c.RTLFMPath = "rtl_fm"
	}
	if c.RSPath == "" {
		c.RSPath = "./"
	}
	if c.Device == "" {
		c.Device = "0"
	}
}

// validType reports whether the (normalized) family is supported.
func (c *Config) validType() bool {
	for _, t := range ValidTypes {
		if c.Type == t {
			return true
		}
	}
	return false
}
