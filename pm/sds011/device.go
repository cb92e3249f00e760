package sds011

import (
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"

	"github.com/akulov/sds011d/pm"
)

// Device is the low-level sensor capability the session is built on.
// Implementations validate nothing beyond framing; reply type and
// checksum are the caller's problem.
type Device interface {
	SetQueryMode() error
	SetActive(on bool) error
	Query() (Reply, error)
	Close() error
}

// portIO is the slice of *serial.Port the device needs; tests substitute
// an in-memory fake.
type portIO interface {
	io.ReadWriter
	io.Closer
	Flush() error
}

type serialDevice struct {
	port portIO
	name string
}

// Open opens the serial port and returns a ready Device. The read timeout
// bounds every frame read.
func Open(name string, baud int, timeout time.Duration) (Device, error) {
	p, err := serial.OpenPort(&serial.Config{
		Name:        name,
		Baud:        baud,
		ReadTimeout: timeout,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open serial port %s", name)
	}
	return &serialDevice{port: p, name: name}, nil
}

// SetQueryMode drains any buffered bytes and switches the device to
// passive reporting, where samples are produced only on explicit request.
func (d *serialDevice) SetQueryMode() error {
	if err := d.port.Flush(); err != nil {
		return errors.Wrap(err, "flush serial buffers")
	}
	if err := d.writeCommand(cmdReportingMode, 1, 1); err != nil {
		return err
	}
	return d.readAck()
}

// SetActive moves the sensing element between work (true) and sleep
// (false) states.
func (d *serialDevice) SetActive(on bool) error {
	var work byte
	if on {
		work = 1
	}
	if err := d.writeCommand(cmdSleepWork, 1, work); err != nil {
		return err
	}
	return d.readAck()
}

// Query requests exactly one sample and returns the decoded reply.
func (d *serialDevice) Query() (Reply, error) {
	if err := d.writeCommand(cmdQuery); err != nil {
		return Reply{}, err
	}
	frame, err := d.readReply()
	if err != nil {
		return Reply{}, err
	}
	return parseReply(frame), nil
}

func (d *serialDevice) Close() error {
	return d.port.Close()
}

func (d *serialDevice) writeCommand(data ...byte) error {
	frame := buildCommand(data...)
	if _, err := d.port.Write(frame); err != nil {
		return errors.Wrapf(err, "write command %#02x", data[0])
	}
	return nil
}

// readReply scans for a framed 10-byte reply, tolerating leading garbage
// left over from mode switches.
const replyScanLimit = 64

func (d *serialDevice) readReply() ([]byte, error) {
	buf := make([]byte, replyFrameLen)
	for skipped := 0; skipped < replyScanLimit; skipped++ {
		if _, err := io.ReadFull(d.port, buf[:1]); err != nil {
			return nil, errors.Wrap(err, "read reply head")
		}
		if buf[0] != frameHead {
			continue
		}
		if _, err := io.ReadFull(d.port, buf[1:]); err != nil {
			return nil, errors.Wrap(err, "read reply body")
		}
		if buf[replyFrameLen-1] != frameTail {
			return nil, &pm.ProtocolError{Reason: "missing frame tail"}
		}
		return buf, nil
	}
	return nil, &pm.ProtocolError{Reason: "no frame head within scan window"}
}

func (d *serialDevice) readAck() error {
	frame, err := d.readReply()
	if err != nil {
		return err
	}
	reply := parseReply(frame)
	if reply.Type != replyAck {
		return &pm.ProtocolError{Reason: "unexpected reply type for command ack"}
	}
	if !reply.ChecksumOK {
		return &pm.ProtocolError{Reason: "command ack checksum mismatch"}
	}
	return nil
}
