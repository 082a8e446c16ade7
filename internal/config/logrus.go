// Package config builds the process-wide logger from command-line settings.
package config

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// Log formatter options
const (
	FormatJSON   = "json"
	FormatLogfmt = "logfmt"
	FormatTTY    = "tty"
)

// NewLogger returns a logger writing to w at the named level in the named
// format.
func NewLogger(w io.Writer, level, format string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	formatter, err := LogFormatter(format)
	if err != nil {
		return nil, err
	}

	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(formatter)
	l.SetLevel(lvl)
	return l, nil
}

// LogFormatter returns the logrus formatter for a format name.
func LogFormatter(format string) (logrus.Formatter, error) {
	switch strings.ToLower(format) {
	case FormatJSON:
		return &logrus.JSONFormatter{}, nil
	case FormatLogfmt:
		return &logrus.TextFormatter{
			DisableColors: true,
			FullTimestamp: true,
		}, nil
	case FormatTTY, "":
		return &logrus.TextFormatter{}, nil
	}
	return nil, fmt.Errorf("unknown log format %q (want %s, %s or %s)", format, FormatJSON, FormatLogfmt, FormatTTY)
}
