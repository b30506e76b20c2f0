// Package log provides the console logger handed to the dumper and the IAT
// builder.
package log

import (
	"io"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the logging surface used across dmadump.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	// Successf reports a completed step.
	Successf(format string, args ...interface{})
}

type zeroLogger struct {
	zl zerolog.Logger
}

// New returns a console logger writing to w. Debug messages are dropped
// unless debug is set.
func New(w io.Writer, debug bool) Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	return &zeroLogger{zl: zerolog.New(out).Level(level).With().Timestamp().Logger()}
}

// NewJSON returns a logger writing one JSON object per line to w.
func NewJSON(w io.Writer, debug bool) Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return &zeroLogger{zl: zerolog.New(w).Level(level).With().Timestamp().Logger()}
}

// Nop discards everything.
func Nop() Logger {
	return &zeroLogger{zl: zerolog.Nop()}
}

func (l *zeroLogger) Debugf(format string, args ...interface{}) {
	l.zl.Debug().Msgf(format, args...)
}

func (l *zeroLogger) Infof(format string, args ...interface{}) {
	l.zl.Info().Msgf(format, args...)
}

func (l *zeroLogger) Warnf(format string, args ...interface{}) {
	l.zl.Warn().Msgf(format, args...)
}

func (l *zeroLogger) Errorf(format string, args ...interface{}) {
	l.zl.Error().Msgf(format, args...)
}

func (l *zeroLogger) Successf(format string, args ...interface{}) {
	l.zl.Info().Bool("success", true).Msgf(format, args...)
}
