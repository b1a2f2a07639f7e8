package log

import (
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Fields is a set of structured log fields.
type Fields map[string]interface{}

// Logger is the logging interface handed to every component. Components
// derive their own logger with WithPrefix and never own the root.
type Logger interface {
	Tracef(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	WithPrefix(prefix string) Logger
	WithFields(fields Fields) Logger
	Prefix() string
	SetLevel(level Level)
}

type Level uint32

const (
	ErrorLevel Level = iota
	WarnLevel
	InfoLevel
	DebugLevel
	TraceLevel
)

func (l Level) String() string {
	if l > TraceLevel {
		return "unknown"
	}
	return [...]string{"error", "warn", "info", "debug", "trace"}[l]
}

func (l Level) logrus() logrus.Level {
	switch l {
	case ErrorLevel:
		return logrus.ErrorLevel
	case WarnLevel:
		return logrus.WarnLevel
	case InfoLevel:
		return logrus.InfoLevel
	case DebugLevel:
		return logrus.DebugLevel
	default:
		return logrus.TraceLevel
	}
}

type logrusLogger struct {
	root   *logrus.Logger
	entry  *logrus.Entry
	prefix string
}

// NewLogrusLogger builds a root logger with the prefixed text formatter.
func NewLogrusLogger(level Level, prefix string) Logger {
	l := logrus.New()
	l.SetLevel(level.logrus())
	l.Formatter = &prefixed.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
		ForceColors:     true,
		ForceFormatting: true,
	}
	return &logrusLogger{
		root:   l,
		entry:  l.WithField("prefix", prefix),
		prefix: prefix,
	}
}

func (l *logrusLogger) Tracef(format string, args ...interface{}) { l.entry.Tracef(format, args...) }
func (l *logrusLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

func (l *logrusLogger) WithPrefix(prefix string) Logger {
	return &logrusLogger{
		root:   l.root,
		entry:  l.entry.WithField("prefix", prefix),
		prefix: prefix,
	}
}

func (l *logrusLogger) WithFields(fields Fields) Logger {
	return &logrusLogger{
		root:   l.root,
		entry:  l.entry.WithFields(logrus.Fields(fields)),
		prefix: l.prefix,
	}
}

func (l *logrusLogger) Prefix() string { return l.prefix }

func (l *logrusLogger) SetLevel(level Level) { l.root.SetLevel(level.logrus()) }
