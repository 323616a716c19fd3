// Package exporter provides the telemetry consumers shipped with the
// receiver: a SQLite flight log, an MQTT publisher, and a Pebble-backed
// flight archive. Each exposes a method matching telemetry.Consumer so the
// dispatcher can fan records out to any combination of them.
package exporter

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"autorx/telemetry"

	_ "modernc.org/sqlite"
)

// Recorder persists a bounded number of telemetry frames per sonde type to
// SQLite for offline analysis without slowing the live pipeline.
type Recorder struct {
	db           *sql.DB
	perTypeLimit int

	mu            sync.Mutex
	perTypeCounts map[string]int
}

// NewRecorder opens (or creates) the SQLite database at path and ensures
// the schema exists.
func NewRecorder(path string, perTypeLimit int) (*Recorder, error) {
	if perTypeLimit <= 0 {
		return nil, errors.New("recorder: per-type limit must be > 0")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("recorder: ensure dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("recorder: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	counts, err := loadTypeCounts(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Recorder{
		db:            db,
		perTypeLimit:  perTypeLimit,
		perTypeCounts: counts,
	}, nil
}

// loadTypeCounts seeds the per-type budget from rows already on disk so the
// cap survives restarts.
func loadTypeCounts(db *sql.DB) (map[string]int, error) {
	rows, err := db.Query(`SELECT sonde_type, COUNT(*) FROM telemetry_frames GROUP BY sonde_type`)
	if err != nil {
		return nil, fmt.Errorf("recorder: load counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var sondeType string
		var count int
		if err := rows.Scan(&sondeType, &count); err != nil {
			return nil, fmt.Errorf("recorder: scan counts: %w", err)
		}
		counts[sondeType] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recorder: load counts: %w", err)
	}
	return counts, nil
}

func initSchema(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS telemetry_frames (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    sonde_id TEXT,
    sonde_type TEXT,
    frame INTEGER,
    datetime TEXT,
    lat REAL,
    lon REAL,
    alt REAL,
    temp REAL,
    humidity REAL,
    batt REAL,
    vel_h REAL,
    vel_v REAL,
    heading REAL,
    freq TEXT,
    sdr_device TEXT,
    station_code TEXT,
    observed_at INTEGER
);`
	_, err := db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (r *Recorder) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Record inserts the frame unless the per-type limit has been reached.
// Matches the telemetry.Consumer signature.
func (r *Recorder) Record(rec *telemetry.Record) error {
	if r == nil || r.db == nil || rec == nil {
		return nil
	}

	r.mu.Lock()
	count := r.perTypeCounts[rec.Type]
	if count >= r.perTypeLimit {
		r.mu.Unlock()
		return nil
	}
	r.perTypeCounts[rec.Type] = count + 1
	r.mu.Unlock()

	_, err := r.db.Exec(`
INSERT INTO telemetry_frames (
    sonde_id, sonde_type, frame, datetime, lat, lon, alt,
    temp, humidity, batt, vel_h, vel_v, heading,
    freq, sdr_device, station_code, observed_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Type,
		rec.Frame,
		rec.Datetime,
		rec.Lat,
		rec.Lon,
		rec.Alt,
		rec.Temp,
		rec.Humidity,
		rec.Batt,
		rec.VelH,
		rec.VelV,
		rec.Heading,
		rec.Freq,
		rec.SDRDevice,
		rec.StationCode,
		rec.DatetimeDT.UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("recorder: insert frame: %w", err)
	}
	return nil
}
