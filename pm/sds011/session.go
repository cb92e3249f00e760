package sds011

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"

	"github.com/akulov/sds011d/config"
	"github.com/akulov/sds011d/pm"
)

// Session owns the only handle to the serial device and produces one
// Measurement per Measure call. It is not safe for concurrent use; the
// polling loop is the single caller by design.
type Session struct {
	serial config.Serial
	sensor config.Sensor

	clock clock.Clock
	log   *log.Entry
	dial  func() (Device, error)

	dev   Device
	state sessionState

	retryPause time.Duration
}

// sessionState is the explicit power/warm-up record. lastQueryAt and
// warmedOnce survive a teardown; awake does not.
type sessionState struct {
	awake       bool
	warmedOnce  bool
	lastQueryAt time.Time
}

// NewSession builds a session that dials the configured serial port on
// first use and redials after every fault.
func NewSession(serialCfg config.Serial, sensorCfg config.Sensor, clk clock.Clock, logger *log.Entry) *Session {
	return &Session{
		serial: serialCfg,
		sensor: sensorCfg,
		clock:  clk,
		log:    logger,
		dial: func() (Device, error) {
			return Open(serialCfg.Port, serialCfg.Baud, serialCfg.Timeout())
		},
		retryPause: time.Second,
	}
}

// Measure performs a single measurement with warm-up, minimum-interval
// spacing, optional post-read sleep and transient-fault retries. After a
// failed attempt the connection is torn down so the next attempt
// reconnects from scratch; device state is not trusted after a fault.
func (s *Session) Measure(ctx context.Context) (pm.Measurement, error) {
	attempts := s.sensor.MaxQueryRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		m, err := s.measureOnce(ctx)
		if err == nil {
			return m, nil
		}
		if ctx.Err() != nil {
			return pm.Measurement{}, ctx.Err()
		}
		lastErr = err
		s.log.Warnf("measurement attempt %d/%d failed: %s", attempt, attempts, err)
		if err := s.sleep(ctx, s.retryPause); err != nil {
			return pm.Measurement{}, err
		}
		_ = s.Close()
	}
	return pm.Measurement{}, &pm.SensorFailure{Attempts: attempts, Cause: lastErr}
}

func (s *Session) measureOnce(ctx context.Context) (pm.Measurement, error) {
	justWoke, err := s.ensureAwake()
	if err != nil {
		return pm.Measurement{}, err
	}
	if err := s.warmUp(ctx, justWoke); err != nil {
		return pm.Measurement{}, err
	}
	if err := s.respectMinInterval(ctx); err != nil {
		return pm.Measurement{}, err
	}
	m, err := s.queryOnce()
	if err != nil {
		return pm.Measurement{}, err
	}
	if err := s.sleepIfConfigured(); err != nil {
		return pm.Measurement{}, err
	}
	return m, nil
}

// ensureAwake connects if needed and wakes a sleeping device. It reports
// whether this call powered the sensing element on, which feeds the
// warm-up decision; a fresh connect counts as a wake.
func (s *Session) ensureAwake() (justWoke bool, err error) {
	if s.dev == nil {
		if err := s.connect(); err != nil {
			return false, err
		}
		return true, nil
	}
	if s.state.awake {
		return false, nil
	}
	if err := s.dev.SetActive(true); err != nil {
		return false, err
	}
	s.state.awake = true
	s.log.Debug("sensor woken before read")
	return true, nil
}

func (s *Session) connect() error {
	dev, err := s.dial()
	if err != nil {
		return err
	}
	if err := dev.SetQueryMode(); err != nil {
		_ = dev.Close()
		return err
	}
	if err := dev.SetActive(true); err != nil {
		_ = dev.Close()
		return err
	}
	s.dev = dev
	s.state.awake = true
	s.log.Infof("connected to SDS011 on %s in passive mode", s.serial.Port)
	return nil
}

// warmupNeeded is the warm-up policy as a pure decision function. With
// sleep-after-read every cycle re-wakes, so only a wake triggers the
// delay; without it the cost is paid once per session.
func warmupNeeded(sleepAfterRead, justWoke, warmedOnce bool) bool {
	if sleepAfterRead {
		return justWoke
	}
	return justWoke || !warmedOnce
}

func (s *Session) warmUp(ctx context.Context, justWoke bool) error {
	warm := time.Duration(s.sensor.WakeBeforeReadS) * time.Second
	if warm <= 0 {
		return nil
	}
	if !warmupNeeded(s.sensor.SleepAfterRead, justWoke, s.state.warmedOnce) {
		return nil
	}
	s.log.Debugf("warming sensor for %s", warm)
	if err := s.sleep(ctx, warm); err != nil {
		return err
	}
	s.state.warmedOnce = true
	return nil
}

// respectMinInterval spaces queries against the last successful one.
func (s *Session) respectMinInterval(ctx context.Context) error {
	min := time.Duration(s.sensor.MinQueryIntervalS) * time.Second
	return s.sleep(ctx, minIntervalRemaining(s.state.lastQueryAt, s.clock.Now(), min))
}

// minIntervalRemaining returns how long to wait before the next query.
// A zero lastQueryAt means no successful query has happened yet.
func minIntervalRemaining(lastQueryAt, now time.Time, min time.Duration) time.Duration {
	if lastQueryAt.IsZero() {
		return 0
	}
	remaining := min - now.Sub(lastQueryAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (s *Session) queryOnce() (pm.Measurement, error) {
	reply, err := s.dev.Query()
	if err != nil {
		return pm.Measurement{}, err
	}
	if reply.Type != replySample {
		return pm.Measurement{}, &pm.ProtocolError{Reason: fmt.Sprintf("unexpected reply type %#02x", reply.Type)}
	}
	if !reply.ChecksumOK {
		return pm.Measurement{}, &pm.ProtocolError{Reason: "sample checksum mismatch"}
	}
	now := s.clock.Now()
	s.state.lastQueryAt = now
	return pm.Measurement{
		PM25:      reply.PM25,
		PM10:      reply.PM10,
		Timestamp: now.UTC(),
		DeviceID:  reply.DeviceID,
		Port:      s.serial.Port,
	}, nil
}

func (s *Session) sleepIfConfigured() error {
	if !s.sensor.SleepAfterRead {
		return nil
	}
	if err := s.dev.SetActive(false); err != nil {
		return err
	}
	s.state.awake = false
	s.state.warmedOnce = false
	s.log.Debug("sensor put to sleep after read")
	return nil
}

// Close releases the serial device. Idempotent; lastQueryAt and the
// warmed-once flag survive so spacing and warm-up policy stay correct
// across reconnects.
func (s *Session) Close() error {
	if s.dev == nil {
		return nil
	}
	err := s.dev.Close()
	s.dev = nil
	s.state.awake = false
	return err
}

func (s *Session) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := s.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
