// Package poll drives the indefinite measurement loop: cadence with
// jitter, suspect-zero double-checking and consecutive-failure backoff.
package poll

import (
	"context"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/akulov/sds011d/config"
	"github.com/akulov/sds011d/output"
	"github.com/akulov/sds011d/pm"
)

// suspect-zero re-check pause bounds
const (
	recheckMin = 1 * time.Second
	recheckMax = 2 * time.Second
)

// Poller owns the single thread of control that talks to the sensor.
// Every cycle emits exactly one event to the dispatcher.
type Poller struct {
	schedule config.Schedule
	sensor   pm.Sensor
	sinks    *output.Dispatcher
	clock    clock.Clock
	rng      *rand.Rand
	log      *log.Entry

	failures int

	recheckMin time.Duration
	recheckMax time.Duration
}

func New(cfg config.Schedule, sensor pm.Sensor, sinks *output.Dispatcher, clk clock.Clock, rng *rand.Rand, logger *log.Entry) *Poller {
	return &Poller{
		schedule:   cfg,
		sensor:     sensor,
		sinks:      sinks,
		clock:      clk,
		rng:        rng,
		log:        logger,
		recheckMin: recheckMin,
		recheckMax: recheckMax,
	}
}

// Run loops until the context is cancelled, then closes the sensor and
// returns nil. No sensor error escapes a cycle.
func (p *Poller) Run(ctx context.Context) error {
	defer func() {
		if err := p.sensor.Close(); err != nil {
			p.log.Errorf("closing sensor: %s", err)
		}
	}()

	for {
		if ctx.Err() != nil {
			p.log.Info("interrupted, shutting down")
			return nil
		}
		started := p.clock.Now()

		if done := p.cycle(ctx); done {
			p.log.Info("interrupted, shutting down")
			return nil
		}

		if p.failures >= p.schedule.MaxConsecutiveFailures {
			backoff := time.Duration(p.schedule.BackoffS) * time.Second
			p.log.Warnf("backing off for %s after %d consecutive failures", backoff, p.failures)
			if err := p.sleep(ctx, backoff); err != nil {
				continue
			}
			p.failures = 0
			// skip the normal interval wait for this cycle
			continue
		}

		delay := nextCycleDelay(
			time.Duration(p.schedule.IntervalS)*time.Second,
			time.Duration(p.schedule.JitterS)*time.Second,
			p.clock.Now().Sub(started),
			p.rng,
		)
		_ = p.sleep(ctx, delay)
	}
}

// cycle performs one read-classify-emit pass. It reports true when the
// context was cancelled mid-cycle.
func (p *Poller) cycle(ctx context.Context) (done bool) {
	m, err := p.sensor.Measure(ctx)

	repolled := false
	if err == nil && m.IsZero() {
		// Suspect zero: double-check exactly once before classifying.
		wait := recheckDelay(p.rng, p.recheckMin, p.recheckMax)
		p.log.Warnf("zero reading (pm25=pm10=0), retrying once in %s", wait)
		if serr := p.sleep(ctx, wait); serr != nil {
			return true
		}
		repolled = true
		m, err = p.sensor.Measure(ctx)
	}

	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return true
	case err != nil:
		p.failures++
		p.emit(output.Event{
			Status:      output.StatusError,
			Err:         err,
			Timestamp:   p.clock.Now().UTC(),
			Attempt:     p.failures,
			MaxAttempts: p.schedule.MaxConsecutiveFailures,
		})
		p.log.Errorf("measurement failed (%d/%d): %s",
			p.failures, p.schedule.MaxConsecutiveFailures, err)
		// next cycle reconnects cleanly
		if cerr := p.sensor.Close(); cerr != nil {
			p.log.Errorf("closing sensor after failure: %s", cerr)
		}
	case m.IsZero():
		p.failures = 0
		p.emit(output.Event{
			Status:      output.StatusSuspect,
			Measurement: &m,
			Timestamp:   p.clock.Now().UTC(),
		})
		suffix := ""
		if repolled {
			suffix = " after retry"
		}
		p.log.Warnf("suspect zero reading pm25=%.1f pm10=%.1f%s; last_success not updated",
			m.PM25, m.PM10, suffix)
	default:
		p.failures = 0
		p.emit(output.Event{
			Status:      output.StatusOK,
			Measurement: &m,
			Timestamp:   m.Timestamp,
		})
		device := m.DeviceID
		if device == "" {
			device = "unknown"
		}
		p.log.Infof("measurement ok pm25=%.1f pm10=%.1f device=%s", m.PM25, m.PM10, device)
	}
	return false
}

func (p *Poller) emit(ev output.Event) {
	// sink failures are logged by the dispatcher per sink and never
	// interrupt the loop
	_ = p.sinks.Emit(ev)
}

// nextCycleDelay computes the inter-cycle wait: interval plus uniform
// jitter in [-jitter, +jitter], minus processing time already spent,
// floored at zero.
func nextCycleDelay(interval, jitter, elapsed time.Duration, rng *rand.Rand) time.Duration {
	delay := interval
	if jitter > 0 {
		delay += time.Duration((rng.Float64()*2 - 1) * float64(jitter))
	}
	delay -= elapsed
	if delay < 0 {
		return 0
	}
	return delay
}

func recheckDelay(rng *rand.Rand, min, max time.Duration) time.Duration {
	return min + time.Duration(rng.Float64()*float64(max-min))
}

func (p *Poller) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := p.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
