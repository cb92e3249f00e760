// Package config loads and validates the daemon's TOML configuration.
// The result is immutable for the process lifetime; it is loaded once at
// startup and never reloaded.
package config

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Output formats.
const (
	FormatJSONL      = "jsonl"
	FormatLogfmt     = "logfmt"
	FormatPrometheus = "prometheus"
)

type Serial struct {
	Port      string `toml:"port"`
	Baud      int    `toml:"baud"`
	TimeoutMs int    `toml:"timeout_ms"`
}

// Timeout returns the serial read timeout as a duration.
func (s Serial) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

type Sensor struct {
	Mode              string `toml:"mode"`
	WakeBeforeReadS   int    `toml:"wake_before_read_s"`
	SleepAfterRead    bool   `toml:"sleep_after_read"`
	MaxQueryRetries   int    `toml:"max_query_retries"`
	MinQueryIntervalS int    `toml:"min_query_interval_s"`
}

type Schedule struct {
	IntervalS              int `toml:"interval_s"`
	JitterS                int `toml:"jitter_s"`
	MaxConsecutiveFailures int `toml:"max_consecutive_failures"`
	BackoffS               int `toml:"backoff_s"`
}

type MQTT struct {
	Broker   string `toml:"broker"`
	Topic    string `toml:"topic"`
	ClientID string `toml:"client_id"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

type Output struct {
	Format         string `toml:"format"`
	PrometheusHost string `toml:"prometheus_host"`
	PrometheusPort int    `toml:"prometheus_port"`
	FilePath       string `toml:"file_path"`
	MQTT           *MQTT  `toml:"mqtt"`
}

type Config struct {
	Serial   Serial   `toml:"serial"`
	Sensor   Sensor   `toml:"sensor"`
	Schedule Schedule `toml:"schedule"`
	Output   Output   `toml:"output"`
}

// Default returns the configuration defaults; the file only needs to
// name the serial port.
func Default() Config {
	return Config{
		Serial: Serial{
			Baud:      9600,
			TimeoutMs: 1500,
		},
		Sensor: Sensor{
			Mode:              "query",
			WakeBeforeReadS:   0,
			SleepAfterRead:    false,
			MaxQueryRetries:   2,
			MinQueryIntervalS: 3,
		},
		Schedule: Schedule{
			IntervalS:              60,
			JitterS:                0,
			MaxConsecutiveFailures: 5,
			BackoffS:               10,
		},
		Output: Output{
			Format:         FormatJSONL,
			PrometheusHost: "0.0.0.0",
			PrometheusPort: 9101,
		},
	}
}

// Load reads a TOML file over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Serial.Port == "" {
		return errors.New("serial.port is required in config")
	}
	if c.Sensor.Mode != "query" {
		return errors.New("sensor.mode must be 'query'")
	}
	switch c.Output.Format {
	case FormatJSONL, FormatLogfmt, FormatPrometheus:
	default:
		return errors.Errorf("output.format must be 'jsonl', 'logfmt', or 'prometheus', got %q", c.Output.Format)
	}
	if c.Schedule.IntervalS < 1 {
		return errors.New("schedule.interval_s must be >= 1")
	}
	if c.Output.PrometheusPort < 1 || c.Output.PrometheusPort > 65535 {
		return errors.New("output.prometheus_port must be between 1 and 65535")
	}
	if c.Output.MQTT != nil && c.Output.MQTT.Broker == "" {
		return errors.New("output.mqtt.broker is required when the mqtt block is present")
	}
	return nil
}
