// Package log configures the structured logger shared by infinitree's
// command-line tools and operational HTTP surface, following the
// teacher's logrus conventions (internal/middleware/logging.go's field
// set, applied at the process level instead of per-request).
package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a logrus.Logger configured for either human-readable
// (development) or JSON (production) output.
func New(level string, json bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	if json {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	return logger
}
