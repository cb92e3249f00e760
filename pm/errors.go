package pm

import (
	"errors"
	"fmt"
)

// ProtocolError marks a structurally invalid sensor response: wrong reply
// type or a checksum mismatch. Retryable.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

// SensorFailure is returned by Sensor.Measure once all attempts within a
// single call are exhausted. It wraps the last underlying cause.
type SensorFailure struct {
	Attempts int
	Cause    error
}

func (e *SensorFailure) Error() string {
	return fmt.Sprintf("sensor read failed after %d attempts: %s", e.Attempts, e.Cause)
}

func (e *SensorFailure) Unwrap() error {
	return e.Cause
}

// Cause labels for the error counter.
const (
	CauseProtocol    = "protocol"
	CauseSerialIO    = "serial_io"
	CauseSuspectZero = "suspect_zero"
)

// CauseLabel maps an error chain to a stable metric label.
func CauseLabel(err error) string {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return CauseProtocol
	}
	return CauseSerialIO
}
