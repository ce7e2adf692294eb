// Package logx provides the structured logger shared by every package in
// this module. It wraps zerolog the same way the rest of the ecosystem this
// code was adapted from wraps it: a thin façade exposing printf-style
// convenience methods plus the underlying zerolog.Logger for call sites that
// want structured fields.
package logx

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the shared logging façade. The zero value is not usable; use
// New or Default.
type Logger struct {
	// Logger is the underlying structured logger, exposed directly so
	// call sites can attach fields: log.Logger.Debug().Str("device", dev).Msg("...")
	Logger zerolog.Logger
}

// New builds a Logger writing to w at the given level ("trace".."panic").
func New(w io.Writer, level string) Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return Logger{Logger: zerolog.New(w).Level(lvl).With().Timestamp().Logger()}
}

var std = New(os.Stderr, "info")

// Default returns the package-level logger used when a component is
// constructed without an explicit one.
func Default() *Logger { return &std }

// SetLevel adjusts the logger's minimum level at runtime. The initial
// level is the one passed to New (config's log_level setting).
func (l *Logger) SetLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return
	}
	l.Logger = l.Logger.Level(lvl)
}

func (l *Logger) Tracef(format string, args ...interface{}) { l.Logger.Trace().Msgf(format, args...) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.Logger.Debug().Msgf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.Logger.Info().Msgf(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.Logger.Warn().Msgf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.Logger.Error().Msgf(format, args...) }

func (l *Logger) Debug(args ...interface{}) { l.Logger.Debug().Msg(fmtSprint(args...)) }
func (l *Logger) Info(args ...interface{})  { l.Logger.Info().Msg(fmtSprint(args...)) }
func (l *Logger) Warn(args ...interface{})  { l.Logger.Warn().Msg(fmtSprint(args...)) }
func (l *Logger) Error(args ...interface{}) { l.Logger.Error().Msg(fmtSprint(args...)) }

func fmtSprint(args ...interface{}) string {
	if len(args) == 1 {
		if s, ok := args[0].(string); ok {
			return s
		}
	}
	return fmt.Sprint(args...)
}
