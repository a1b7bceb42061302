// Package logger wraps logrus behind a small interface so the rest of
// this repository logs against an abstraction rather than a concrete
// library.
package logger

import (
	"os"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// Log is the logging surface the rest of this repository depends on.
type Log interface {
	WithField(name string, value interface{}) Log
	WithFields(fields Fields) Log
	Trace(args ...interface{})
	Tracef(msg string, args ...interface{})
	Debug(args ...interface{})
	Debugf(msg string, args ...interface{})
	Info(args ...interface{})
	Infof(msg string, args ...interface{})
	Warn(args ...interface{})
	Warnf(msg string, args ...interface{})
	Error(args ...interface{})
	Errorf(msg string, args ...interface{})
	Fatal(args ...interface{})
	Fatalf(msg string, args ...interface{})
	Panic(args ...interface{})
	Panicf(msg string, args ...interface{})
}

// Fields is a set of keys/values to include in a structured log message.
type Fields map[string]interface{}

// Factory produces a logger scoped to a named subsystem (e.g.
// "Scheduler", "Executor", "WebhookAPI").
type Factory func(subsystem string) Log

// logrusLogger adapts a *logrus.Entry to the Log interface.
type logrusLogger struct {
	*logrus.Entry
}

func (l *logrusLogger) WithField(name string, value interface{}) Log {
	return &logrusLogger{Entry: l.Entry.WithField(name, value)}
}

func (l *logrusLogger) WithFields(fields Fields) Log {
	return &logrusLogger{Entry: l.Entry.WithFields(logrus.Fields(fields))}
}

// NewFactory builds a Factory writing text (if stdout is a terminal)
// or JSON formatted lines to stdout, with per-subsystem levels drawn
// from levels (see LevelConfig).
func NewFactory(levels *LevelConfig) Factory {
	return func(subsystem string) Log {
		log := logrus.New()
		log.SetLevel(levels.Level(subsystem))
		log.SetOutput(os.Stdout)
		if isatty.IsTerminal(os.Stdout.Fd()) {
			log.SetFormatter(&logrus.TextFormatter{
				TimestampFormat: "2006-01-02 15:04:05",
				FullTimestamp:   true,
				DisableQuote:    true,
			})
		} else {
			log.SetFormatter(&logrus.JSONFormatter{
				TimestampFormat: "2006-01-02 15:04:05",
			})
		}
		entry := log.WithField("system", subsystem)
		return &logrusLogger{Entry: entry}
	}
}

// noOpLog implements Log without performing any action; used in tests
// that don't care about log output.
type noOpLog struct{}

// NewNoOp returns a Log that discards everything.
func NewNoOp() Log { return noOpLog{} }

// NoOpFactory is a Factory that always returns a discarding Log.
func NoOpFactory(_ string) Log { return NewNoOp() }

func (noOpLog) WithField(string, interface{}) Log   { return noOpLog{} }
func (noOpLog) WithFields(Fields) Log                { return noOpLog{} }
func (noOpLog) Trace(...interface{})                 {}
func (noOpLog) Tracef(string, ...interface{})        {}
func (noOpLog) Debug(...interface{})                 {}
func (noOpLog) Debugf(string, ...interface{})        {}
func (noOpLog) Info(...interface{})                  {}
func (noOpLog) Infof(string, ...interface{})         {}
func (noOpLog) Warn(...interface{})                  {}
func (noOpLog) Warnf(string, ...interface{})         {}
func (noOpLog) Error(...interface{})                 {}
func (noOpLog) Errorf(string, ...interface{})        {}
func (noOpLog) Fatal(...interface{})                 {}
func (noOpLog) Fatalf(string, ...interface{})        {}
func (noOpLog) Panic(...interface{})                 {}
func (noOpLog) Panicf(string, ...interface{})        {}
