// Package logging builds the process logger from configuration.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mesh-intelligence/horus/pkg/types"
)

// Rotation limits for the log file.
const (
	MaxSizeMB  = 20
	MaxBackups = 3
	MaxAgeDays = 14
)

// New returns a logger writing to stderr, and additionally to a rotating
// file when cfg.LogFile is set. The returned closer releases the file.
func New(cfg types.Config) (*logrus.Logger, io.Closer, error) {
	return NewWithOutput(cfg, os.Stderr)
}

// NewWithOutput is New with an explicit console writer.
func NewWithOutput(cfg types.Config, console io.Writer) (*logrus.Logger, io.Closer, error) {
	cfg = cfg.WithDefaults()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("log level %q: %w", cfg.LogLevel, types.ErrLogLevelUnknown)
	}

	l := logrus.New()
	l.SetLevel(level)
	switch cfg.LogFormat {
	case types.LogFormatJSON:
		l.SetFormatter(&logrus.JSONFormatter{})
	case types.LogFormatText:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: true})
	default:
		return nil, nil, fmt.Errorf("log format %q: %w", cfg.LogFormat, types.ErrLogFormatUnknown)
	}

	var closer io.Closer = nopCloser{}
	out := console
	if cfg.LogFile != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    MaxSizeMB,
			MaxBackups: MaxBackups,
			MaxAge:     MaxAgeDays,
		}
		closer = file
		out = io.MultiWriter(console, file)
	}
	l.SetOutput(out)
	return l, closer, nil
}

// Discard returns a logger that drops everything.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
