// Package logging holds the process-wide logger. Every subsystem logs
// through Log with a subsystem-prefixed message and structured fields for
// device, connection, and forward ids.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Log is the global logger instance.
var Log = logrus.New()

func init() {
	Log.SetOutput(os.Stderr)
	Log.SetLevel(logrus.InfoLevel)
	Log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
}

// SetLevel sets the logging level from its string name.
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	Log.SetLevel(lvl)
	return nil
}

// TeeToFile mirrors log output to a file in addition to stderr. The file
// stays open for the life of the process.
func TeeToFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	Log.SetOutput(io.MultiWriter(os.Stderr, f))
	return nil
}

// WithDevice returns a logger carrying device context.
func WithDevice(device string) *logrus.Entry {
	return Log.WithField("device", device)
}

// WithConnection returns a logger carrying a session's connection id.
func WithConnection(connID uint64) *logrus.Entry {
	return Log.WithField("connection", connID)
}

// WithForward returns a logger carrying a forward id.
func WithForward(forwardID string) *logrus.Entry {
	return Log.WithField("forward", forwardID)
}
