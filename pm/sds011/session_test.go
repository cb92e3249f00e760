package sds011

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/akulov/sds011d/config"
	"github.com/akulov/sds011d/pm"
)

// scriptedDevice pops one reply per query and records power transitions.
type scriptedDevice struct {
	replies  []Reply
	queryErr error

	queries int
	active  []bool
	modeSet int
	closed  bool
}

func (d *scriptedDevice) SetQueryMode() error { d.modeSet++; return nil }

func (d *scriptedDevice) SetActive(on bool) error {
	d.active = append(d.active, on)
	return nil
}

func (d *scriptedDevice) Query() (Reply, error) {
	d.queries++
	if d.queryErr != nil {
		return Reply{}, d.queryErr
	}
	if len(d.replies) == 0 {
		return Reply{}, errors.New("script exhausted")
	}
	r := d.replies[0]
	d.replies = d.replies[1:]
	return r, nil
}

func (d *scriptedDevice) Close() error { d.closed = true; return nil }

func sampleReply(pm25, pm10 float64, id string) Reply {
	return Reply{Type: replySample, ChecksumOK: true, PM25: pm25, PM10: pm10, DeviceID: id}
}

func newTestSession(sensorCfg config.Sensor, dial func() (Device, error)) *Session {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return &Session{
		serial:     config.Serial{Port: "/dev/ttyUSB0", Baud: 9600},
		sensor:     sensorCfg,
		clock:      clock.New(),
		log:        log.NewEntry(logger),
		dial:       dial,
		retryPause: 0,
	}
}

func TestMeasureSuccess(t *testing.T) {
	dev := &scriptedDevice{replies: []Reply{sampleReply(25.6, 40.2, "abcd")}}
	s := newTestSession(config.Sensor{MaxQueryRetries: 2}, func() (Device, error) { return dev, nil })

	m, err := s.Measure(context.Background())
	if err != nil {
		t.Fatalf("measure: %s", err)
	}
	if m.PM25 != 25.6 || m.PM10 != 40.2 || m.DeviceID != "abcd" || m.Port != "/dev/ttyUSB0" {
		t.Fatalf("unexpected measurement: %+v", m)
	}
	if m.Timestamp.Location() != time.UTC {
		t.Fatal("timestamp must be UTC")
	}
	if dev.modeSet != 1 {
		t.Fatalf("query mode set %d times, want 1", dev.modeSet)
	}
	if len(dev.active) != 1 || !dev.active[0] {
		t.Fatalf("power transitions %v, want single wake", dev.active)
	}
	if s.state.lastQueryAt.IsZero() {
		t.Fatal("lastQueryAt must be stamped on success")
	}
}

func TestMeasureRetriesExhausted(t *testing.T) {
	var devs []*scriptedDevice
	dial := func() (Device, error) {
		d := &scriptedDevice{queryErr: errors.New("read timeout")}
		devs = append(devs, d)
		return d, nil
	}
	s := newTestSession(config.Sensor{MaxQueryRetries: 2}, dial)

	_, err := s.Measure(context.Background())
	var sf *pm.SensorFailure
	if !errors.As(err, &sf) {
		t.Fatalf("err = %v, want SensorFailure", err)
	}
	if sf.Attempts != 3 {
		t.Fatalf("attempts = %d, want max_query_retries+1 = 3", sf.Attempts)
	}
	if len(devs) != 3 {
		t.Fatalf("dialed %d times, want a fresh connection per attempt", len(devs))
	}
	totalQueries := 0
	for _, d := range devs {
		totalQueries += d.queries
		if !d.closed {
			t.Fatal("connection must be torn down after every fault")
		}
	}
	if totalQueries != 3 {
		t.Fatalf("issued %d low-level queries, want 3", totalQueries)
	}
	if !s.state.lastQueryAt.IsZero() {
		t.Fatal("lastQueryAt must not move on failed attempts")
	}
}

func TestMeasureRecoversAfterReconnect(t *testing.T) {
	calls := 0
	dial := func() (Device, error) {
		calls++
		if calls == 1 {
			return &scriptedDevice{queryErr: errors.New("stuck passive mode")}, nil
		}
		return &scriptedDevice{replies: []Reply{sampleReply(5, 6, "0102")}}, nil
	}
	s := newTestSession(config.Sensor{MaxQueryRetries: 2}, dial)

	m, err := s.Measure(context.Background())
	if err != nil {
		t.Fatalf("measure: %s", err)
	}
	if m.PM25 != 5 || calls != 2 {
		t.Fatalf("pm25=%v calls=%d, want recovery on second connection", m.PM25, calls)
	}
}

func TestMeasureDialFailure(t *testing.T) {
	dial := func() (Device, error) { return nil, errors.New("no such device") }
	s := newTestSession(config.Sensor{MaxQueryRetries: 1}, dial)

	_, err := s.Measure(context.Background())
	var sf *pm.SensorFailure
	if !errors.As(err, &sf) || sf.Attempts != 2 {
		t.Fatalf("err = %v, want SensorFailure after 2 attempts", err)
	}
}

func TestMeasureRejectsWrongReplyType(t *testing.T) {
	dial := func() (Device, error) {
		return &scriptedDevice{replies: []Reply{
			{Type: replyAck, ChecksumOK: true},
			{Type: replyAck, ChecksumOK: true},
		}}, nil
	}
	s := newTestSession(config.Sensor{MaxQueryRetries: 1}, dial)

	_, err := s.Measure(context.Background())
	if err == nil {
		t.Fatal("non-sample reply must fail")
	}
	if got := pm.CauseLabel(err); got != pm.CauseProtocol {
		t.Fatalf("cause = %q, want %q", got, pm.CauseProtocol)
	}
}

func TestMeasureRejectsBadChecksum(t *testing.T) {
	dial := func() (Device, error) {
		return &scriptedDevice{replies: []Reply{
			{Type: replySample, ChecksumOK: false},
			{Type: replySample, ChecksumOK: false},
		}}, nil
	}
	s := newTestSession(config.Sensor{MaxQueryRetries: 1}, dial)

	if _, err := s.Measure(context.Background()); pm.CauseLabel(err) != pm.CauseProtocol {
		t.Fatalf("err = %v, want protocol cause", err)
	}
}

func TestSleepAfterReadPowerCycle(t *testing.T) {
	dev := &scriptedDevice{replies: []Reply{
		sampleReply(1, 2, "aa01"),
		sampleReply(3, 4, "aa01"),
	}}
	s := newTestSession(config.Sensor{SleepAfterRead: true}, func() (Device, error) { return dev, nil })

	if _, err := s.Measure(context.Background()); err != nil {
		t.Fatalf("first measure: %s", err)
	}
	if _, err := s.Measure(context.Background()); err != nil {
		t.Fatalf("second measure: %s", err)
	}
	want := []bool{true, false, true, false}
	if len(dev.active) != len(want) {
		t.Fatalf("power transitions %v, want %v", dev.active, want)
	}
	for i := range want {
		if dev.active[i] != want[i] {
			t.Fatalf("power transitions %v, want %v", dev.active, want)
		}
	}
	if s.state.warmedOnce {
		t.Fatal("warmed-once flag must clear when the device sleeps")
	}
}

func TestWarmupDecision(t *testing.T) {
	tests := []struct {
		sleepAfterRead, justWoke, warmedOnce bool
		want                                 bool
	}{
		// sleep-after-read: only a wake triggers warm-up
		{true, true, false, true},
		{true, true, true, true},
		{true, false, false, false},
		{true, false, true, false},
		// otherwise: warm on wake or until warmed once
		{false, true, true, true},
		{false, false, false, true},
		{false, false, true, false},
		{false, true, false, true},
	}
	for _, tt := range tests {
		got := warmupNeeded(tt.sleepAfterRead, tt.justWoke, tt.warmedOnce)
		if got != tt.want {
			t.Errorf("warmupNeeded(%v, %v, %v) = %v, want %v",
				tt.sleepAfterRead, tt.justWoke, tt.warmedOnce, got, tt.want)
		}
	}
}

func TestMinIntervalRemaining(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 10, 0, time.UTC)
	tests := []struct {
		name string
		last time.Time
		min  time.Duration
		want time.Duration
	}{
		{"never queried", time.Time{}, 3 * time.Second, 0},
		{"partially elapsed", now.Add(-1 * time.Second), 3 * time.Second, 2 * time.Second},
		{"fully elapsed", now.Add(-5 * time.Second), 3 * time.Second, 0},
		{"exactly elapsed", now.Add(-3 * time.Second), 3 * time.Second, 0},
	}
	for _, tt := range tests {
		if got := minIntervalRemaining(tt.last, now, tt.min); got != tt.want {
			t.Errorf("%s: remaining = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestCloseIdempotent(t *testing.T) {
	dev := &scriptedDevice{replies: []Reply{sampleReply(1, 2, "")}}
	s := newTestSession(config.Sensor{}, func() (Device, error) { return dev, nil })

	if err := s.Close(); err != nil {
		t.Fatalf("close before connect: %s", err)
	}
	if _, err := s.Measure(context.Background()); err != nil {
		t.Fatalf("measure: %s", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %s", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("double close: %s", err)
	}
	if !dev.closed {
		t.Fatal("device not closed")
	}
}
