package output

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/akulov/sds011d/config"
	"github.com/akulov/sds011d/pm"
)

// measurementRecord is the self-contained line emitted for ok and
// suspect events.
type measurementRecord struct {
	Timestamp string  `json:"timestamp"`
	PM25      float64 `json:"pm25"`
	PM10      float64 `json:"pm10"`
	DeviceID  string  `json:"device_id"`
	Port      string  `json:"port"`
	Status    string  `json:"status"`
}

// errorRecord carries attempt counts for operator visibility.
type errorRecord struct {
	Timestamp   string `json:"timestamp"`
	Status      string `json:"status"`
	Error       string `json:"error"`
	Message     string `json:"message"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
}

// Render produces one line for the event in the given format. Unknown
// formats are a configuration error.
func Render(ev Event, format string) (string, error) {
	switch format {
	case config.FormatJSONL:
		return renderJSON(ev)
	case config.FormatLogfmt:
		return renderLogfmt(ev), nil
	}
	return "", errors.Errorf("unknown output format: %s", format)
}

func renderJSON(ev Event) (string, error) {
	var rec interface{}
	if ev.Status == StatusError {
		rec = errorRecord{
			Timestamp:   ev.Timestamp.UTC().Format(time.RFC3339Nano),
			Status:      string(StatusError),
			Error:       errorName(ev.Err),
			Message:     ev.Err.Error(),
			Attempt:     ev.Attempt,
			MaxAttempts: ev.MaxAttempts,
		}
	} else {
		m := ev.Measurement
		rec = measurementRecord{
			Timestamp: m.Timestamp.Format(time.RFC3339Nano),
			PM25:      m.PM25,
			PM10:      m.PM10,
			DeviceID:  m.DeviceID,
			Port:      m.Port,
			Status:    string(ev.Status),
		}
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return "", errors.Wrap(err, "marshal record")
	}
	return string(b), nil
}

func renderLogfmt(ev Event) string {
	if ev.Status == StatusError {
		parts := []string{
			"timestamp=" + logfmtEscape(ev.Timestamp.UTC().Format(time.RFC3339Nano)),
			"status=error",
			"error=" + logfmtEscape(errorName(ev.Err)),
			"message=" + logfmtEscape(ev.Err.Error()),
			"attempt=" + strconv.Itoa(ev.Attempt),
			"max_attempts=" + strconv.Itoa(ev.MaxAttempts),
		}
		return strings.Join(parts, " ")
	}
	m := ev.Measurement
	parts := []string{
		"timestamp=" + logfmtEscape(m.Timestamp.Format(time.RFC3339Nano)),
		"pm25=" + strconv.FormatFloat(m.PM25, 'g', -1, 64),
		"pm10=" + strconv.FormatFloat(m.PM10, 'g', -1, 64),
		"device_id=" + logfmtEscape(m.DeviceID),
		"port=" + logfmtEscape(m.Port),
		"status=" + string(ev.Status),
	}
	return strings.Join(parts, " ")
}

func logfmtEscape(value string) string {
	if strings.ContainsAny(value, " =") {
		return fmt.Sprintf("%q", value)
	}
	return value
}

func errorName(err error) string {
	var sf *pm.SensorFailure
	if errors.As(err, &sf) {
		return "SensorFailure"
	}
	var pe *pm.ProtocolError
	if errors.As(err, &pe) {
		return "ProtocolError"
	}
	return "Error"
}
