package output

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/akulov/sds011d/pm"
)

// PromSink records per-port/per-device gauges and an error counter on an
// explicit registry; the HTTP endpoint serving it is wired up in main.
// Registry updates are safe for concurrent scrapes while the polling
// loop writes.
type PromSink struct {
	port string

	pm25          *prometheus.GaugeVec
	pm10          *prometheus.GaugeVec
	lastSuccess   *prometheus.GaugeVec
	lastSuccessMs *prometheus.GaugeVec
	lastStatus    *prometheus.GaugeVec
	errorsTotal   *prometheus.CounterVec
	lastError     *prometheus.GaugeVec
}

func NewProm(reg prometheus.Registerer, port string) *PromSink {
	s := &PromSink{
		port: port,
		pm25: newGauge("sds011_pm25_ugm3",
			"PM2.5 measurement in ug/m3", "port", "device_id"),
		pm10: newGauge("sds011_pm10_ugm3",
			"PM10 measurement in ug/m3", "port", "device_id"),
		lastSuccess: newGauge("sds011_last_success_timestamp_seconds",
			"Unix timestamp of last successful measurement", "port", "device_id"),
		lastSuccessMs: newGauge("sds011_last_success_timestamp_millis",
			"Unix timestamp of last successful measurement in milliseconds (Grafana-friendly)", "port", "device_id"),
		lastStatus: newGauge("sds011_last_status",
			"1=last read succeeded, 0=last read failed", "port", "device_id"),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sds011_errors_total",
			Help: "Total measurement errors",
		}, []string{"port", "cause"}),
		lastError: newGauge("sds011_last_error_timestamp_seconds",
			"Unix timestamp of last measurement error", "port"),
	}
	reg.MustRegister(s.pm25, s.pm10, s.lastSuccess, s.lastSuccessMs,
		s.lastStatus, s.errorsTotal, s.lastError)
	return s
}

func newGauge(name string, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: name,
			Help: help,
		},
		labels,
	)
}

func (s *PromSink) Emit(ev Event) error {
	switch ev.Status {
	case StatusOK:
		m := ev.Measurement
		device := deviceLabel(m.DeviceID)
		ts := float64(m.Timestamp.UnixNano()) / 1e9
		s.pm25.WithLabelValues(s.port, device).Set(m.PM25)
		s.pm10.WithLabelValues(s.port, device).Set(m.PM10)
		s.lastSuccess.WithLabelValues(s.port, device).Set(ts)
		s.lastSuccessMs.WithLabelValues(s.port, device).Set(ts * 1000.0)
		s.lastStatus.WithLabelValues(s.port, device).Set(1)
	case StatusSuspect:
		// pm gauges keep the last trusted values
		device := deviceLabel(ev.Measurement.DeviceID)
		s.errorsTotal.WithLabelValues(s.port, pm.CauseSuspectZero).Inc()
		s.lastError.WithLabelValues(s.port).Set(unixSeconds(ev))
		s.lastStatus.WithLabelValues(s.port, device).Set(0)
	case StatusError:
		s.errorsTotal.WithLabelValues(s.port, pm.CauseLabel(ev.Err)).Inc()
		s.lastError.WithLabelValues(s.port).Set(unixSeconds(ev))
		s.lastStatus.WithLabelValues(s.port, deviceLabel("")).Set(0)
	}
	return nil
}

func (s *PromSink) Close() error { return nil }

func deviceLabel(id string) string {
	if id == "" {
		return "unknown"
	}
	return id
}

func unixSeconds(ev Event) float64 {
	return float64(ev.Timestamp.UnixNano()) / 1e9
}
