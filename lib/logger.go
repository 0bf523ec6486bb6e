package lib

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
)

// Logger is the minimal interface used by protocol connections for wire-level traces.
// *logrus.Logger satisfies it.
type Logger interface {
	Print(a ...any)
	Println(a ...any)
	Printf(format string, a ...any)
}

type NoLog struct{}

func (l *NoLog) Print(a ...any)                 {}
func (l *NoLog) Println(a ...any)               {}
func (l *NoLog) Printf(format string, a ...any) {}

// FieldLogger returns logger, or a logger discarding everything when logger is nil.
func FieldLogger(logger logrus.FieldLogger) logrus.FieldLogger {
	if logger != nil {
		return logger
	}
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	return discard
}

type TestLogger struct {
	t      *testing.T
	prefix string
}

func NewTestLogger(t *testing.T, prefix string) *TestLogger {
	return &TestLogger{
		t:      t,
		prefix: prefix,
	}
}

func (l *TestLogger) Print(a ...any) {
	if l.prefix == "" {
		l.t.Log(a...)
	} else {
		l.t.Log(append([]any{l.prefix + ":"}, a...)...)
	}
}

func (l *TestLogger) Println(a ...any) {
	l.Print(a...)
}

func (l *TestLogger) Printf(format string, a ...any) {
	if l.prefix != "" {
		format = l.prefix + ": " + format
	}
	l.t.Logf(format, a...)
}
