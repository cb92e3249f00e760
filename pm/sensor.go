package pm

import (
	"context"
	"time"
)

// Sensor produces one validated measurement per call, hiding connection
// management, power state and transient-fault retries.
type Sensor interface {
	// Measure blocks until a reading is available or all retries are
	// exhausted, in which case it returns a *SensorFailure.
	Measure(ctx context.Context) (Measurement, error)

	// Close releases the serial device. Idempotent.
	Close() error
}

// Measurement is a single validated reading. Never mutated after creation.
type Measurement struct {
	// units: ug/m3
	PM25 float64

	// units: ug/m3
	PM10 float64

	// UTC instant the reading was taken
	Timestamp time.Time

	// hex-encoded id reported by the device, may be empty
	DeviceID string

	// serial port the reading came from
	Port string
}

// IsZero reports whether both values are exactly zero, which is treated
// as a likely instrumentation fault rather than a true ambient reading.
func (m Measurement) IsZero() bool {
	return m.PM25 == 0.0 && m.PM10 == 0.0
}
