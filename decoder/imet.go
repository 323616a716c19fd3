package decoder

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"autorx/telemetry"
)

// iMet sondes report time-of-day only. The date is taken from the current
// UTC day, with a ±2 hour window to survive frames decoded just across a
// day boundary.
const imetDayWrapWindow = 2 * time.Hour

// imetFixDatetime completes an iMet time-of-day with the current UTC date.
func imetFixDatetime(value string, now time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	var parsed time.Time
	var err error
	for _, layout := range timeOnlyLayouts {
		parsed, err = time.Parse(layout, value)
		if err == nil {
			break
		}
	}
	if err != nil {
		// Fall back to full timestamps in case a future decoder revision
		// starts emitting them.
		return parseTimestamp(value, now)
	}

	dt := time.Date(now.Year(), now.Month(), now.Day(),
		parsed.Hour(), parsed.Minute(), parsed.Second(), parsed.Nanosecond(), time.UTC)
	if dt.Before(now.Add(-imetDayWrapWindow)) {
		dt = dt.AddDate(0, 0, 1)
	} else if dt.After(now.Add(imetDayWrapWindow)) {
		dt = dt.AddDate(0, 0, -1)
	}
	return dt, nil
}

// imetUniqueID synthesizes a deterministic identity from the sonde's
// power-on time, frequency string, and the operator's location tag. The
// frame counter increments once per second from power-on, so frame time
// minus frame count recovers a stable per-flight epoch.
func imetUniqueID(rec *telemetry.Record, location string) string {
	powerOn := rec.DatetimeDT.Add(-time.Duration(rec.Frame) * time.Second)
	seed := powerOn.UTC().Format("2006-01-02T15:04:05Z") + rec.Freq + location
	sum := sha256.Sum256([]byte(seed))
	digest := strings.ToUpper(hex.EncodeToString(sum[:]))
	return fmt.Sprintf("IMET-%s", digest[len(digest)-8:])
}
