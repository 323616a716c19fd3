package telemetry

import (
	"fmt"
	"log"
)

// Consumer receives one accepted telemetry record. Errors are logged by the
// dispatcher and never propagate to the supervisor or to other consumers.
type Consumer func(*Record) error

// FilterFunc decides whether a record should be delivered to consumers.
// A filter error is treated as "accept" (fail-open) so a broken filter
// never silently discards live telemetry.
type FilterFunc func(*Record) (bool, error)

// Dispatcher fans accepted records out to a fixed, ordered set of consumers.
type Dispatcher struct {
	filter    FilterFunc
	consumers []Consumer
}

// NewDispatcher builds a dispatcher from an optional filter and zero or more
// consumers. Nil consumer entries are a construction error, never a dispatch
// surprise.
func NewDispatcher(filter FilterFunc, consumers ...Consumer) (*Dispatcher, error) {
	for i, c := range consumers {
		if c == nil {
			return nil, fmt.Errorf("telemetry: consumer at index %d is nil", i)
		}
	}
	return &Dispatcher{filter: filter, consumers: consumers}, nil
}

// Dispatch applies the filter and, on acceptance, invokes every consumer in
// registration order. A consumer error is logged and does not stop later
// consumers. Returns the accept decision for the caller's diagnostics.
func (d *Dispatcher) Dispatch(rec *Record) bool {
	accept := true
	if d.filter != nil {
		ok, err := d.filter(rec)
		if err != nil {
			log.Printf("Dispatch: telemetry filter failed, accepting frame: %v", err)
		} else {
			accept = ok
		}
	}
	if !accept {
		return false
	}
	for _, c := range d.consumers {
		if err := c(rec); err != nil {
			log.Printf("Dispatch: exporter error: %v", err)
		}
	}
	return true
}
