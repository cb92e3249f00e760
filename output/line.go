package output

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// StreamSink writes one rendered line per event to a writer, normally
// stdout.
type StreamSink struct {
	w      io.Writer
	format string
}

func NewStream(w io.Writer, format string) *StreamSink {
	return &StreamSink{w: w, format: format}
}

func (s *StreamSink) Emit(ev Event) error {
	line, err := Render(ev, s.format)
	if err != nil {
		return err
	}
	_, err = io.WriteString(s.w, line+"\n")
	return errors.Wrap(err, "write stream line")
}

func (s *StreamSink) Close() error { return nil }

// FileSink appends one rendered line per event to a file opened at
// construction and kept open for the process lifetime.
type FileSink struct {
	f      *os.File
	format string
}

func NewFile(path, format string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open output file %s", path)
	}
	return &FileSink{f: f, format: format}, nil
}

func (s *FileSink) Emit(ev Event) error {
	line, err := Render(ev, s.format)
	if err != nil {
		return err
	}
	if _, err := s.f.WriteString(line + "\n"); err != nil {
		return errors.Wrapf(err, "append to %s", s.f.Name())
	}
	return nil
}

func (s *FileSink) Close() error {
	return s.f.Close()
}
