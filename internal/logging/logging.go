// Package logging funnels every subsystem through one structured
// logger, the way the teacher routes CLI and backend output through
// a single formatter instead of ad hoc log.Printf calls.
package logging

import (
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/sirupsen/logrus"
)

// Logger is the process-wide logger. Every package takes one as a
// constructor argument rather than reaching for a global.
type Logger = logrus.Logger

// Entry is a logger bound to a set of fields.
type Entry = logrus.Entry

// New builds a Logger writing to w with logrus's text formatter, which
// colours output only when w is a terminal; system-log fifos get plain
// bytes. New does not wrap w itself; NewStderr wraps stderr with
// go-colorable.
func New(w io.Writer, debug bool) *Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	if debug {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}

// NewStderr builds a Logger for interactive use, colourised when
// stderr is a terminal.
func NewStderr(debug bool) *Logger {
	return New(colorable.NewColorable(os.Stderr), debug)
}

// PID renders a pid consistently across all log lines: positive pids
// print as-is, the PENDING sentinel and other negative/zero sentinels
// print as a bracketed tag instead of a raw integer. Resolves the
// "unify pid rendering" open question: every call site uses this
// instead of ad hoc %d/%v.
func PID(pid int32) string {
	switch {
	case pid > 0:
		return itoa(pid)
	case pid == 0:
		return "[none]"
	default:
		return "[pending]"
	}
}

func itoa(v int32) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [12]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
