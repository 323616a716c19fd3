// Package telemetry defines the canonical telemetry record produced by the
// sonde decoders and the fan-out machinery that delivers it to exporters:
// dispatch with an optional acceptance filter, and window-based dedupe for
// stations running several receiver channels on the same signal.
package telemetry

import (
	"fmt"
	"strconv"
	"time"

	"github.com/zeebo/xxh3"
)

// Sentinel values used for optional fields the decoder did not report.
const (
	DefaultTemp     = -273.0
	DefaultHumidity = -1.0
	DefaultBattery  = -1.0
	DefaultVelH     = 0.0
	DefaultVelV     = 0.0
	DefaultHeading  = 0.0
)

// Record is one normalized telemetry frame. Required fields come straight
// from the decoder JSON; optional fields carry the documented sentinel when
// absent from the wire; the remainder are derived by the normalizer.
type Record struct {
	// Required decoder fields.
	Frame    int64   `json:"frame"`
	ID       string  `json:"id"`
	Datetime string  `json:"datetime"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Alt      float64 `json:"alt"`

	// Optional decoder fields, sentinel-filled when absent.
	Temp     float64 `json:"temp"`
	Humidity float64 `json:"humidity"`
	Batt     float64 `json:"batt"`
	VelH     float64 `json:"vel_h"`
	VelV     float64 `json:"vel_v"`
	Heading  float64 `json:"heading"`

	// Sats is only emitted by some decoders (iMet). Nil when absent.
	Sats *int `json:"sats,omitempty"`

	// Derived fields added by the normalizer.
	Type        string  `json:"type"`
	FreqFloat   float64 `json:"freq_float"`
	Freq        string  `json:"freq"`
	SDRDevice   string  `json:"sdr_device_idx"`
	StationCode string  `json:"station_code,omitempty"`

	// DatetimeDT is the parsed (and for iMet, repaired) frame time.
	DatetimeDT time.Time `json:"-"`

	// Aux marks an auxiliary payload (typically an ozone sensor).
	Aux bool `json:"-"`
}

// Hash returns a stable content key for deduplication. Two frames from the
// same sonde with the same counter and timestamp hash identically regardless
// of which receiver channel decoded them.
func (r *Record) Hash() uint64 {
	return xxh3.HashString(r.ID + "|" + strconv.FormatInt(r.Frame, 10) + "|" + r.Datetime)
}

// Position formats the lat/lon/alt triple for log output.
func (r *Record) Position() string {
	return fmt.Sprintf("%.5f,%.5f %.1fm", r.Lat, r.Lon, r.Alt)
}
