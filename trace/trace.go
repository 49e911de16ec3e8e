// Package trace provides a decorator for io.ReadWriter that logs all reads
// and writes.
package trace

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Trace is a trace log on an io.ReadWriter.
// All reads and writes are logged at debug level.
type Trace struct {
	rw   io.ReadWriter
	log  logrus.FieldLogger
	wfmt string
	rfmt string
}

// Option modifies a Trace object created by New.
type Option func(*Trace)

// New creates a new trace on the io.ReadWriter.
func New(rw io.ReadWriter, log logrus.FieldLogger, options ...Option) *Trace {
	t := &Trace{rw: rw, log: log, wfmt: "w: %s", rfmt: "r: %s"}
	for _, option := range options {
		option(t)
	}
	return t
}

// WithReadFormat sets the format used for read logs.
func WithReadFormat(format string) Option {
	return func(t *Trace) {
		t.rfmt = format
	}
}

// WithWriteFormat sets the format used for write logs.
func WithWriteFormat(format string) Option {
	return func(t *Trace) {
		t.wfmt = format
	}
}

func (t *Trace) Read(p []byte) (n int, err error) {
	n, err = t.rw.Read(p)
	if n > 0 {
		t.log.Debugf(t.rfmt, p[:n])
	}
	return n, err
}

func (t *Trace) Write(p []byte) (n int, err error) {
	n, err = t.rw.Write(p)
	if n > 0 {
		t.log.Debugf(t.wfmt, p[:n])
	}
	return n, err
}
