package logging

import (
	"io"

	"github.com/sirupsen/logrus"

	"dmarcwatch/config"
)

// Logger is the logger handed to every component.
type Logger = *logrus.Logger

// Entry is a logger with fields already attached.
type Entry = *logrus.Entry

// Fields represents structured logging fields
type Fields = logrus.Fields

// NewLogger creates a JSON logger at the configured level
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(config.GetLogLevel())
	return logger
}

// NewLoggerWithService creates a logger that stamps every entry with the
// service name.
func NewLoggerWithService(serviceName string) *logrus.Logger {
	logger := NewLogger()
	logger.AddHook(serviceHook{name: serviceName})
	return logger
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type serviceHook struct {
	name string
}

func (h serviceHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h serviceHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["service"]; !ok {
		entry.Data["service"] = h.name
	}
	return nil
}
