package exporter

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"autorx/telemetry"

	"github.com/cockroachdb/pebble"
)

const flightKeyPrefix = "sonde|"

var errArchiveClosed = errors.New("archive: store is closed")

// FlightRecord is the durable per-sonde summary kept by the archive: when
// the flight was first and last heard and where it last was. Recovering a
// landed sonde needs exactly this and nothing more.
type FlightRecord struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Freq      string    `json:"freq"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	LastFrame int64     `json:"last_frame"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Alt       float64   `json:"alt"`
}

// Archive persists flight records in a Pebble key/value store so summaries
// survive restarts mid-flight.
type Archive struct {
	mu     sync.Mutex
	db     *pebble.DB
	closed bool
}

// NewArchive opens (or creates) the archive at dir.
func NewArchive(dir string) (*Archive, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", dir, err)
	}
	return &Archive{db: db}, nil
}

// Update folds one telemetry frame into the sonde's flight record,
// preserving the first-seen timestamp. Matches the telemetry.Consumer
// signature.
func (a *Archive) Update(rec *telemetry.Record) error {
	if rec == nil || rec.ID == "" {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errArchiveClosed
	}

	key := []byte(flightKeyPrefix + rec.ID)
	flight := FlightRecord{
		ID:        rec.ID,
		Type:      rec.Type,
		Freq:      rec.Freq,
		FirstSeen: rec.DatetimeDT,
	}
	if existing, closer, err := a.db.Get(key); err == nil {
		var prev FlightRecord
		if json.Unmarshal(existing, &prev) == nil && !prev.FirstSeen.IsZero() {
			flight.FirstSeen = prev.FirstSeen
		}
		closer.Close()
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("archive: read %s: %w", rec.ID, err)
	}
	flight.LastSeen = rec.DatetimeDT
	flight.LastFrame = rec.Frame
	flight.Lat = rec.Lat
	flight.Lon = rec.Lon
	flight.Alt = rec.Alt

	value, err := json.Marshal(flight)
	if err != nil {
		return fmt.Errorf("archive: encode %s: %w", rec.ID, err)
	}
	if err := a.db.Set(key, value, pebble.NoSync); err != nil {
		return fmt.Errorf("archive: write %s: %w", rec.ID, err)
	}
	return nil
}

// Get returns the flight record for a sonde ID, if present.
func (a *Archive) Get(id string) (*FlightRecord, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, false, errArchiveClosed
	}
	value, closer, err := a.db.Get([]byte(flightKeyPrefix + id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("archive: read %s: %w", id, err)
	}
	defer closer.Close()
	var flight FlightRecord
	if err := json.Unmarshal(value, &flight); err != nil {
		return nil, false, fmt.Errorf("archive: decode %s: %w", id, err)
	}
	return &flight, true, nil
}

// Flights lists every stored flight record.
func (a *Archive) Flights() ([]FlightRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, errArchiveClosed
	}
	iter, err := a.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(flightKeyPrefix),
		UpperBound: []byte(flightKeyPrefix + "\xff"),
	})
	if err != nil {
		return nil, fmt.Errorf("archive: iterate: %w", err)
	}
	defer iter.Close()

	var flights []FlightRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var flight FlightRecord
		if err := json.Unmarshal(iter.Value(), &flight); err != nil {
			continue
		}
		flights = append(flights, flight)
	}
	return flights, iter.Error()
}

// Close flushes and closes the store. Safe to call more than once.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return a.db.Close()
}
