// Package config loads the station configuration from a YAML file.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the complete station configuration.
type Config struct {
	Station   StationConfig   `yaml:"station"`
	Channels  []ChannelConfig `yaml:"channels"`
	Decoder   DecoderDefaults `yaml:"decoder"`
	Ephemeris EphemerisConfig `yaml:"ephemeris"`
	Exporters ExportersConfig `yaml:"exporters"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// StationConfig identifies the receiving station.
type StationConfig struct {
	Callsign string `yaml:"callsign"`
	// Location feeds the synthesized iMet sonde identity.
	Location string `yaml:"location"`
}

// ChannelConfig describes one SDR receiver channel to decode. Frequencies
// are in MHz as operators write them; gain omitted means AGC.
type ChannelConfig struct {
	Device  string   `yaml:"device"`
	Type    string   `yaml:"type"`
	FreqMHz float64  `yaml:"freq_mhz"`
	PPM     int      `yaml:"ppm"`
	Gain    *float64 `yaml:"gain"`
	Bias    bool     `yaml:"bias"`
}

// DecoderDefaults apply to every channel.
type DecoderDefaults struct {
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	RSPath         string `yaml:"rs_path"`
	RTLFMPath      string `yaml:"rtl_fm_path"`
	SaveAudio      bool   `yaml:"save_audio"`
	// SaveIQ captures rtl_fm's demodulated FM sample stream per device,
	// not raw IQ (rtl_fm runs in FM mode).
	SaveIQ  bool `yaml:"save_iq"`
	Verbose bool `yaml:"verbose"`
}

// EphemerisConfig configures GPS data acquisition for RS92 channels. A
// fixed path wins over download URLs.
type EphemerisConfig struct {
	Path         string `yaml:"path"`
	PathAlmanac  bool   `yaml:"path_is_almanac"`
	EphemerisURL string `yaml:"ephemeris_url"`
	AlmanacURL   string `yaml:"almanac_url"`
	Dir          string `yaml:"dir"`
}

// ExportersConfig selects and configures telemetry consumers.
type ExportersConfig struct {
	Recorder            RecorderConfig `yaml:"recorder"`
	MQTT                MQTTConfig     `yaml:"mqtt"`
	Archive             ArchiveConfig  `yaml:"archive"`
	DedupeWindowSeconds int            `yaml:"dedupe_window_seconds"`
}

// RecorderConfig configures the SQLite flight log.
type RecorderConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Path         string `yaml:"path"`
	PerTypeLimit int    `yaml:"per_type_limit"`
}

// MQTTConfig configures the MQTT telemetry publisher.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	Port        int    `yaml:"port"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

// ArchiveConfig configures the Pebble flight archive.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// LoggingConfig configures the daily log files.
type LoggingConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// Load reads and validates the configuration from a YAML file.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Decoder: DecoderDefaults{
			TimeoutSeconds: 180,
			RSPath:         "./",
			RTLFMPath:      "rtl_fm",
		},
		Exporters: ExportersConfig{
			Recorder: RecorderConfig{PerTypeLimit: 10000},
			MQTT:     MQTTConfig{Port: 1883, TopicPrefix: "autorx/telemetry"},
		},
		Logging: LoggingConfig{RetentionDays: 7},
	}
}

func (c *Config) validate() error {
	if len(c.Channels) == 0 {
		return fmt.Errorf("config: no receiver channels defined")
	}
	for i, ch := range c.Channels {
		if strings.TrimSpace(ch.Type) == "" {
			return fmt.Errorf("config: channel %d has no sonde type", i)
		}
		if ch.FreqMHz <= 0 {
			return fmt.Errorf("config: channel %d has no frequency", i)
		}
	}
	if c.Exporters.Recorder.Enabled && c.Exporters.Recorder.Path == "" {
		return fmt.Errorf("config: recorder enabled without a database path")
	}
	if c.Exporters.MQTT.Enabled && c.Exporters.MQTT.Broker == "" {
		return fmt.Errorf("config: mqtt enabled without a broker")
	}
	if c.Exporters.Archive.Enabled && c.Exporters.Archive.Dir == "" {
		return fmt.Errorf("config: archive enabled without a directory")
	}
	return nil
}

// GainOrAGC returns the channel gain, or -1 (AGC) when unset.
func (ch ChannelConfig) GainOrAGC() float64 {
	if ch.Gain == nil {
		return -1
	}
	return *ch.Gain
}

// Print displays a configuration summary.
func (c *Config) Print() {
	fmt.Printf("Station: %s (%s)\n", c.Station.Callsign, c.Station.Location)
	for _, ch := range c.Channels {
		gain := "auto"
		if ch.Gain != nil {
			gain = fmt.Sprintf("%.1f dB", *ch.Gain)
		}
		fmt.Printf("Channel: SDR #%s %s %.3f MHz (ppm=%d gain=%s bias=%v)\n",
			ch.Device, ch.Type, ch.FreqMHz, ch.PPM, gain, ch.Bias)
	}
	if c.Exporters.Recorder.Enabled {
		fmt.Printf("Recorder: %s (limit %d/type)\n", c.Exporters.Recorder.Path, c.Exporters.Recorder.PerTypeLimit)
	}
	if c.Exporters.MQTT.Enabled {
		fmt.Printf("MQTT: %s:%d (prefix %s)\n", c.Exporters.MQTT.Broker, c.Exporters.MQTT.Port, c.Exporters.MQTT.TopicPrefix)
	}
	if c.Exporters.Archive.Enabled {
		fmt.Printf("Archive: %s\n", c.Exporters.Archive.Dir)
	}
	if c.Exporters.DedupeWindowSeconds > 0 {
		fmt.Printf("Dedupe: %ds window\n", c.Exporters.DedupeWindowSeconds)
	}
}
