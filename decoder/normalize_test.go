package decoder

import (
	"fmt"
	"testing"
	"time"

	"autorx/telemetry"
)

const validLine = `{"frame":1,"id":"N123","datetime":"2020-01-01T00:00:00Z","lat":1.0,"lon":2.0,"alt":3.0}`

func testNormalizer(t *testing.T, cfg Config) *Normalizer {
	t.Helper()
	cfg.normalize()
	return NewNormalizer(cfg)
}

func TestNormalizeFillsOptionalDefaults(t *testing.T) {
	n := testNormalizer(t, Config{Type: "RS41", Freq: 401.5e6, Device: "0"})

	rec, rej := n.Normalize(validLine)
	if rej != nil {
		t.Fatalf("unexpected reject: %s", rej)
	}
	if rec.Frame != 1 || rec.ID != "N123" {
		t.Fatalf("unexpected identity: frame=%d id=%q", rec.Frame, rec.ID)
	}
	if rec.Temp != telemetry.DefaultTemp {
		t.Fatalf("expected default temp %.1f, got %.1f", telemetry.DefaultTemp, rec.Temp)
	}
	if rec.Humidity != telemetry.DefaultHumidity {
		t.Fatalf("expected default humidity %.1f, got %.1f", telemetry.DefaultHumidity, rec.Humidity)
	}
	if rec.Batt != telemetry.DefaultBattery {
		t.Fatalf("expected default battery %.1f, got %.1f", telemetry.DefaultBattery, rec.Batt)
	}
	if rec.VelH != 0.0 || rec.VelV != 0.0 || rec.Heading != 0.0 {
		t.Fatalf("expected zero velocity defaults, got vel_h=%.1f vel_v=%.1f heading=%.1f",
			rec.VelH, rec.VelV, rec.Heading)
	}
	if rec.Freq != "401.500 MHz" {
		t.Fatalf("expected derived frequency string, got %q", rec.Freq)
	}
	if rec.FreqFloat != 401.5 {
		t.Fatalf("expected freq_float 401.5, got %v", rec.FreqFloat)
	}
	if rec.Type != "RS41" {
		t.Fatalf("expected type RS41, got %q", rec.Type)
	}
	if rec.SDRDevice != "0" {
		t.Fatalf("expected device echo, got %q", rec.SDRDevice)
	}
	want := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	if !rec.DatetimeDT.Equal(want) {
		t.Fatalf("expected parsed timestamp %s, got %s", want, rec.DatetimeDT)
	}
}

func TestNormalizeKeepsProvidedOptionals(t *testing.T) {
	n := testNormalizer(t, Config{Type: "RS41", Freq: 401.5e6})
	line := `{"frame":2,"id":"N123","datetime":"2020-01-01T00:00:01Z","lat":1.0,"lon":2.0,"alt":3.0,"temp":-34.2,"humidity":82.5}`

	rec, rej := n.Normalize(line)
	if rej != nil {
		t.Fatalf("unexpected reject: %s", rej)
	}
	if rec.Temp != -34.2 || rec.Humidity != 82.5 {
		t.Fatalf("expected reported values preserved, got temp=%.1f humidity=%.1f", rec.Temp, rec.Humidity)
	}
}

func TestNormalizeIgnoresNonTelemetryLines(t *testing.T) {
	n := testNormalizer(t, Config{Type: "RS41", Freq: 401.5e6})
	for _, line := range []string{"", "   ", "decoder: waiting for signal...", "[1,2,3]"} {
		rec, rej := n.Normalize(line)
		if rec != nil {
			t.Fatalf("expected no record for %q", line)
		}
		if rej == nil || rej.Reason != RejectNotTelemetry {
			t.Fatalf("expected silent NotTelemetry reject for %q, got %v", line, rej)
		}
		if !rej.Silent() {
			t.Fatalf("expected NotTelemetry to be silent")
		}
	}
}

func TestNormalizeRejectsMalformedJSON(t *testing.T) {
	n := testNormalizer(t, Config{Type: "RS41", Freq: 401.5e6})
	_, rej := n.Normalize(`{"frame":1,"id":`)
	if rej == nil || rej.Reason != RejectMalformedJSON {
		t.Fatalf("expected MalformedJSON, got %v", rej)
	}
}

func TestNormalizeRejectsMissingRequiredFields(t *testing.T) {
	n := testNormalizer(t, Config{Type: "RS41", Freq: 401.5e6})
	for _, field := range []string{"frame", "id", "datetime", "lat", "lon", "alt"} {
		line := missingFieldLine(field)
		rec, rej := n.Normalize(line)
		if rec != nil {
			t.Fatalf("expected no record when %s is missing", field)
		}
		if rej == nil || rej.Reason != RejectMissingField || rej.Field != field {
			t.Fatalf("expected MissingField(%s), got %v", field, rej)
		}
	}
}

func missingFieldLine(omit string) string {
	fields := map[string]string{
		"frame":    `"frame":1`,
		"id":       `"id":"N123"`,
		"datetime": `"datetime":"2020-01-01T00:00:00Z"`,
		"lat":      `"lat":1.0`,
		"lon":      `"lon":2.0`,
		"alt":      `"alt":3.0`,
	}
	line := "{"
	first := true
	for name, frag := range fields {
		if name == omit {
			continue
		}
		if !first {
			line += ","
		}
		line += frag
		first = false
	}
	return line + "}"
}

func TestNormalizeRejectsEncryptedPayload(t *testing.T) {
	n := testNormalizer(t, Config{Type: "RS41", Freq: 401.5e6})
	line := `{"frame":1,"id":"N123","datetime":"2020-01-01T00:00:00Z","lat":1.0,"lon":2.0,"alt":3.0,"encrypted":true}`

	rec, rej := n.Normalize(line)
	if rec != nil {
		t.Fatalf("expected no record for encrypted payload")
	}
	if rej == nil || rej.Reason != RejectEncryptedPayload {
		t.Fatalf("expected EncryptedPayload, got %v", rej)
	}
	if !rej.Fatal() {
		t.Fatalf("expected EncryptedPayload to be fatal")
	}
}

func TestNormalizeRejectsInvalidTimestamp(t *testing.T) {
	n := testNormalizer(t, Config{Type: "RS41", Freq: 401.5e6})
	line := `{"frame":1,"id":"N123","datetime":"xx:yy:zz","lat":1.0,"lon":2.0,"alt":3.0}`

	_, rej := n.Normalize(line)
	if rej == nil || rej.Reason != RejectInvalidTimestamp {
		t.Fatalf("expected InvalidTimestamp, got %v", rej)
	}
	if rej.Fatal() || rej.Silent() {
		t.Fatalf("expected InvalidTimestamp to be a recoverable, logged reject")
	}
}

func TestNormalizeAppendsOzoneSuffixForAuxPayload(t *testing.T) {
	n := testNormalizer(t, Config{Type: "RS41", Freq: 401.5e6})
	line := `{"frame":1,"id":"N123","datetime":"2020-01-01T00:00:00Z","lat":1.0,"lon":2.0,"alt":3.0,"aux":"O3"}`

	rec, rej := n.Normalize(line)
	if rej != nil {
		t.Fatalf("unexpected reject: %s", rej)
	}
	if rec.Type != "RS41-Ozone" {
		t.Fatalf("expected RS41-Ozone type, got %q", rec.Type)
	}
	if !rec.Aux {
		t.Fatalf("expected aux flag set")
	}
}

func TestNormalizeAcceptsFractionalFrameCounter(t *testing.T) {
	n := testNormalizer(t, Config{Type: "DFM", Freq: 403e6})
	line := `{"frame":1909.0,"id":"DFM-123","datetime":"2020-01-01T00:00:00Z","lat":1.0,"lon":2.0,"alt":3.0}`

	rec, rej := n.Normalize(line)
	if rej != nil {
		t.Fatalf("unexpected reject: %s", rej)
	}
	if rec.Frame != 1909 {
		t.Fatalf("expected frame 1909, got %d", rec.Frame)
	}
}

func TestNormalizeIMetRejectsWithoutGPSLock(t *testing.T) {
	n := testNormalizer(t, Config{Type: "iMet", Freq: 402e6, IMetLocation: "TESTSITE"})

	for _, sats := range []string{``, `,"sats":3`} {
		line := fmt.Sprintf(`{"frame":10,"id":"IMET","datetime":"00:10:00","lat":1.0,"lon":2.0,"alt":3.0%s}`, sats)
		rec, rej := n.Normalize(line)
		if rec != nil {
			t.Fatalf("expected no record without GPS lock")
		}
		if rej == nil || rej.Reason != RejectNoGPSLock {
			t.Fatalf("expected NoGPSLock, got %v", rej)
		}
	}
}

func TestNormalizeIMetLatchesIdentity(t *testing.T) {
	n := testNormalizer(t, Config{Type: "iMet", Freq: 402e6, IMetLocation: "TESTSITE"})
	n.now = func() time.Time {
		return time.Date(2020, 6, 1, 0, 20, 0, 0, time.UTC)
	}

	first, rej := n.Normalize(`{"frame":100,"id":"IMET","datetime":"00:10:00","sats":8,"lat":1.0,"lon":2.0,"alt":3.0}`)
	if rej != nil {
		t.Fatalf("unexpected reject: %s", rej)
	}
	if first.ID == "" || first.ID == "IMET" {
		t.Fatalf("expected synthesized identity, got %q", first.ID)
	}
	if first.StationCode != "TESTSITE" {
		t.Fatalf("expected station code stamp, got %q", first.StationCode)
	}

	// Different frame and time would synthesize a different ID; the latch
	// must hold the first one.
	second, rej := n.Normalize(`{"frame":2000,"id":"IMET","datetime":"00:15:00","sats":8,"lat":1.0,"lon":2.0,"alt":3.0}`)
	if rej != nil {
		t.Fatalf("unexpected reject: %s", rej)
	}
	if second.ID != first.ID {
		t.Fatalf("expected latched identity %q, got %q", first.ID, second.ID)
	}
}
