// Package output routes classified readings to the configured sinks.
package output

import (
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/akulov/sds011d/pm"
)

// Status classifies one polling cycle's outcome.
type Status string

const (
	StatusOK      Status = "ok"
	StatusSuspect Status = "suspect"
	StatusError   Status = "error"
)

// Event is one classified cycle result handed to every sink.
type Event struct {
	Status      Status
	Measurement *pm.Measurement // nil for error events
	Err         error           // nil unless StatusError
	Timestamp   time.Time

	// consecutive-failure bookkeeping, shown on error records
	Attempt     int
	MaxAttempts int
}

// Sink delivers rendered events somewhere.
type Sink interface {
	Emit(Event) error
	Close() error
}

// Dispatcher fans each event out to every sink. One sink's failure never
// stops delivery to the others; failures are logged per sink and the
// joined error is returned for the caller's log only.
type Dispatcher struct {
	sinks []Sink
	log   *log.Entry
}

func NewDispatcher(logger *log.Entry, sinks ...Sink) *Dispatcher {
	return &Dispatcher{sinks: sinks, log: logger}
}

func (d *Dispatcher) Emit(ev Event) error {
	var errs error
	for _, s := range d.sinks {
		if err := s.Emit(ev); err != nil {
			d.log.Errorf("sink %T failed: %s", s, err)
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (d *Dispatcher) Close() error {
	var errs error
	for _, s := range d.sinks {
		errs = multierr.Append(errs, s.Close())
	}
	return errs
}
