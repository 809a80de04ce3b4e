package logflags

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is the logger of one revmon layer. Entries carry the layer name
// and, where known, the session and cycle they concern.
type Logger interface {
	// Session returns a Logger whose entries name session id.
	Session(id string) Logger
	// At returns a Logger whose entries carry cycle.
	At(cycle uint64) Logger

	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// LoggerFactory creates the Logger of a layer. fields holds the layer
// name; out is nil unless a log destination was set up.
type LoggerFactory func(level logrus.Level, fields Fields, out io.Writer) Logger

var loggerFactory LoggerFactory

// SetLoggerFactory replaces the logrus text logger used by every layer.
func SetLoggerFactory(lf LoggerFactory) {
	loggerFactory = lf
}

// Fields are the structured fields of a log entry.
type Fields map[string]interface{}

const (
	sessionField = "session"
	cycleField   = "cycle"
)

type logrusLogger struct {
	*logrus.Entry
}

func (l *logrusLogger) Session(id string) Logger {
	if len(id) > 8 {
		id = id[:8]
	}
	return &logrusLogger{l.Entry.WithField(sessionField, id)}
}

func (l *logrusLogger) At(cycle uint64) Logger {
	return &logrusLogger{l.Entry.WithField(cycleField, fmt.Sprintf("%#x", cycle))}
}
