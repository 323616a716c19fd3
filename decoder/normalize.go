package decoder

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"autorx/telemetry"
)

// requiredFields must all be present in a decoder JSON line.
var requiredFields = []string{"frame", "id", "datetime", "lat", "lon", "alt"}

// RejectReason classifies why a line did not become a telemetry record.
type RejectReason int

const (
	// RejectNotTelemetry marks diagnostic output that never reaches the
	// JSON parser. Silent: not logged, not an error.
	RejectNotTelemetry RejectReason = iota
	RejectMalformedJSON
	RejectNotAnObject
	RejectMissingField
	RejectEncryptedPayload
	RejectInvalidTimestamp
	RejectNoGPSLock
)

func (r RejectReason) String() string {
	switch r {
	case RejectNotTelemetry:
		return "NotTelemetry"
	case RejectMalformedJSON:
		return "MalformedJSON"
	case RejectNotAnObject:
		return "NotAnObject"
	case RejectMissingField:
		return "MissingField"
	case RejectEncryptedPayload:
		return "EncryptedPayload"
	case RejectInvalidTimestamp:
		return "InvalidTimestamp"
	case RejectNoGPSLock:
		return "NoGPSLock"
	}
	return "Unknown"
}

// Reject is a typed normalization outcome. Rejections are ordinary data for
// the supervisor, never errors raised across its boundary.
type Reject struct {
	Reason RejectReason
	Field  string
	Err    error
}

// Silent rejections are skipped without logging.
func (r *Reject) Silent() bool { return r.Reason == RejectNotTelemetry }

// Fatal rejections terminate the decode session (encrypted payloads).
func (r *Reject) Fatal() bool { return r.Reason == RejectEncryptedPayload }

func (r *Reject) String() string {
	switch {
	case r.Field != "" && r.Err != nil:
		return fmt.Sprintf("%s (%s): %v", r.Reason, r.Field, r.Err)
	case r.Field != "":
		return fmt.Sprintf("%s (%s)", r.Reason, r.Field)
	case r.Err != nil:
		return fmt.Sprintf("%s: %v", r.Reason, r.Err)
	}
	return r.Reason.String()
}

// Normalizer validates raw decoder lines against the telemetry schema and
// derives the per-channel fields. It owns the latched iMet identity: set at
// most once per decode session and reused for every later frame.
type Normalizer struct {
	cfg    Config
	imetID string

	// now is a hook for tests; production uses the wall clock.
	now func() time.Time
}

// NewNormalizer builds a normalizer for one decode channel.
func NewNormalizer(cfg Config) *Normalizer {
	return &Normalizer{cfg: cfg, now: time.Now}
}

// Normalize converts one raw line into a telemetry record, or explains why
// it cannot. It never panics or returns an error to propagate: every failure
// mode is a typed Reject the supervisor turns into a state decision.
func (n *Normalizer) Normalize(line string) (*telemetry.Record, *Reject) {
	line = strings.TrimSpace(line)

	// Anything not starting with '{' is decoder chatter, not telemetry.
	if line == "" || line[0] != '{' {
		return nil, &Reject{Reason: RejectNotTelemetry}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		var probe any
		if json.Unmarshal([]byte(line), &probe) == nil {
			return nil, &Reject{Reason: RejectNotAnObject}
		}
		return nil, &Reject{Reason: RejectMalformedJSON, Err: err}
	}

	for _, name := range requiredFields {
		if _, ok := fields[name]; !ok {
			return nil, &Reject{Reason: RejectMissingField, Field: name}
		}
	}

	rec := &telemetry.Record{}
	if err := decodeInt(fields, "frame", &rec.Frame); err != nil {
		return nil, &Reject{Reason: RejectMissingField, Field: "frame", Err: err}
	}
	if err := decodeString(fields, "id", &rec.ID); err != nil {
		return nil, &Reject{Reason: RejectMissingField, Field: "id", Err: err}
	}
	if err := decodeString(fields, "datetime", &rec.Datetime); err != nil {
		return nil, &Reject{Reason: RejectMissingField, Field: "datetime", Err: err}
	}
	for name, dst := range map[string]*float64{"lat": &rec.Lat, "lon": &rec.Lon, "alt": &rec.Alt} {
		if err := decodeFloat(fields, name, dst); err != nil {
			return nil, &Reject{Reason: RejectMissingField, Field: name, Err: err}
		}
	}

	// Optional fields fall back to their sentinels, on every call.
	rec.Temp = optionalFloat(fields, "temp", telemetry.DefaultTemp)
	rec.Humidity = optionalFloat(fields, "humidity", telemetry.DefaultHumidity)
	rec.Batt = optionalFloat(fields, "batt", telemetry.DefaultBattery)
	rec.VelH = optionalFloat(fields, "vel_h", telemetry.DefaultVelH)
	rec.VelV = optionalFloat(fields, "vel_v", telemetry.DefaultVelV)
	rec.Heading = optionalFloat(fields, "heading", telemetry.DefaultHeading)
	if raw, ok := fields["sats"]; ok {
		var sats int
		if err := json.Unmarshal(raw, &sats); err == nil {
			rec.Sats = &sats
		}
	}

	// Presence of the key is the signal; RS41-SGM sondes set it regardless
	// of value. Nothing downstream can use an encrypted frame.
	if _, ok := fields["encrypted"]; ok {
		return nil, &Reject{Reason: RejectEncryptedPayload, Field: rec.ID}
	}

	dt, err := parseTimestamp(rec.Datetime, n.now().UTC())
	if err != nil {
		// Usually means the sonde has no GPS lock yet.
		return nil, &Reject{Reason: RejectInvalidTimestamp, Err: err}
	}
	rec.DatetimeDT = dt

	rec.Type = n.cfg.Type
	rec.FreqFloat = n.cfg.Freq / 1e6
	rec.Freq = fmt.Sprintf("%.3f MHz", n.cfg.Freq/1e6)
	rec.SDRDevice = n.cfg.Device

	// An aux field marks an auxiliary payload, most likely an ozone sensor.
	if _, ok := fields["aux"]; ok {
		rec.Aux = true
		rec.Type += "-Ozone"
	}

	if n.cfg.Type == "iMet" {
		if rej := n.normalizeIMet(rec); rej != nil {
			return nil, rej
		}
	}

	return rec, nil
}

// normalizeIMet repairs the time base and stamps the latched identity.
// iMet sondes transmit no serial, so one is synthesized from power-on time
// and frequency; without GPS lock the time base is garbage and no frame may
// be used.
func (n *Normalizer) normalizeIMet(rec *telemetry.Record) *Reject {
	if rec.Sats == nil || *rec.Sats < 4 {
		return &Reject{Reason: RejectNoGPSLock}
	}
	fixed, err := imetFixDatetime(rec.Datetime, n.now().UTC())
	if err != nil {
		return &Reject{Reason: RejectInvalidTimestamp, Err: err}
	}
	rec.DatetimeDT = fixed
	if n.imetID == "" {
		n.imetID = imetUniqueID(rec, n.cfg.IMetLocation)
	}
	rec.ID = n.imetID
	rec.StationCode = n.cfg.IMetLocation
	return nil
}

// timestampLayouts covers the formats the decoder binaries emit. Time-only
// values (iMet) are completed with the current UTC date.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
}

var timeOnlyLayouts = []string{
	"15:04:05.999999",
	"15:04:05",
}

func parseTimestamp(value string, now time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	for _, layout := range timeOnlyLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return time.Date(now.Year(), now.Month(), now.Day(),
				t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", value)
}

func decodeString(fields map[string]json.RawMessage, name string, dst *string) error {
	return json.Unmarshal(fields[name], dst)
}

func decodeFloat(fields map[string]json.RawMessage, name string, dst *float64) error {
	return json.Unmarshal(fields[name], dst)
}

func decodeInt(fields map[string]json.RawMessage, name string, dst *int64) error {
	if err := json.Unmarshal(fields[name], dst); err == nil {
		return nil
	}
	// Some decoders emit the frame counter with a fractional part.
	var f float64
	if err := json.Unmarshal(fields[name], &f); err != nil {
		return err
	}
	*dst = int64(f)
	return nil
}

func optionalFloat(fields map[string]json.RawMessage, name string, def float64) float64 {
	raw, ok := fields[name]
	if !ok {
		return def
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return def
	}
	return f
}
