package logger

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

const logFileName = "sledge.log"

// NewWithLogDir returns a logger writing to stderr and, when dir is not
// empty, appending to dir/sledge.log as well. A log file that cannot be
// opened is reported on stderr and skipped.
func NewWithLogDir(dir string) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	if dir == "" {
		return l
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		l.WithError(err).Warn("can't create log directory, logging to stderr only")
		return l
	}
	f, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		l.WithError(err).Warn("can't open log file, logging to stderr only")
		return l
	}
	l.SetOutput(io.MultiWriter(os.Stderr, f))
	return l
}

// ParseLevel falls back to info for empty or unknown names.
func ParseLevel(name string) logrus.Level {
	level, err := logrus.ParseLevel(name)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// Discard returns a logger that drops everything, for tests.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
