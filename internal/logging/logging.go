// Package logging configures the process-wide logrus logger.
package logging

import (
	"io"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Setup sets the level and, when file is not empty, sends logs there instead of stderr.
// The returned closer closes the log file; it is a no-op for stderr.
func Setup(level, file string) (io.Closer, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nopCloser{}, errors.Wrap(err, "log level")
	}
	log.SetLevel(lvl)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	log.SetOutput(os.Stderr)

	if file == "" {
		return nopCloser{}, nil
	}
	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		log.WithError(err).Warnf("failed to log to %s, using stderr", file)
		return nopCloser{}, nil
	}
	log.SetOutput(f)
	return f, nil
}

// For returns an entry tagged with component.
func For(component string) *log.Entry {
	return log.WithField("component", component)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
