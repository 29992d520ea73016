// Package utils provides the change event model and shared helpers for pg_ingest.
package utils //nolint:revive // utils is a standard package name

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger is the leveled logger components hold
type Logger interface {
	Debug() LogEvent
	Info() LogEvent
	Warn() LogEvent
	Error() LogEvent
	Err(err error) LogEvent
}

// LogEvent collects fields until Msg emits it
type LogEvent interface {
	Str(key, val string) LogEvent
	Strs(key string, vals []string) LogEvent
	Int(key string, val int) LogEvent
	Int64(key string, val int64) LogEvent
	Uint8(key string, val uint8) LogEvent
	Uint32(key string, val uint32) LogEvent
	Bool(key string, val bool) LogEvent
	Dur(key string, val time.Duration) LogEvent
	Interface(key string, val interface{}) LogEvent
	Type(key string, val interface{}) LogEvent
	Err(err error) LogEvent
	Msg(msg string)
}

type zlogger struct {
	zl zerolog.Logger
}

// NewLogger wraps a zerolog logger
func NewLogger(zl zerolog.Logger) Logger {
	return zlogger{zl: zl}
}

// NewComponentLogger derives a logger tagged with component from the global logger as configured
// when it is called; the CLI configures output before it builds components.
func NewComponentLogger(component string) Logger {
	return NewLogger(log.With().Str("component", component).Logger())
}

func (l zlogger) Debug() LogEvent        { return zevent{l.zl.Debug()} }
func (l zlogger) Info() LogEvent         { return zevent{l.zl.Info()} }
func (l zlogger) Warn() LogEvent         { return zevent{l.zl.Warn()} }
func (l zlogger) Error() LogEvent        { return zevent{l.zl.Error()} }
func (l zlogger) Err(err error) LogEvent { return zevent{l.zl.Err(err)} }

// zevent wraps a zerolog event; zerolog returns a nil event for disabled levels and
// every field method is a no-op on it
type zevent struct {
	e *zerolog.Event
}

func (z zevent) Str(key, val string) LogEvent               { return zevent{z.e.Str(key, val)} }
func (z zevent) Strs(key string, vals []string) LogEvent    { return zevent{z.e.Strs(key, vals)} }
func (z zevent) Int(key string, val int) LogEvent           { return zevent{z.e.Int(key, val)} }
func (z zevent) Int64(key string, val int64) LogEvent       { return zevent{z.e.Int64(key, val)} }
func (z zevent) Uint8(key string, val uint8) LogEvent       { return zevent{z.e.Uint8(key, val)} }
func (z zevent) Uint32(key string, val uint32) LogEvent     { return zevent{z.e.Uint32(key, val)} }
func (z zevent) Bool(key string, val bool) LogEvent         { return zevent{z.e.Bool(key, val)} }
func (z zevent) Dur(key string, val time.Duration) LogEvent { return zevent{z.e.Dur(key, val)} }
func (z zevent) Interface(key string, val interface{}) LogEvent {
	return zevent{z.e.Interface(key, val)}
}
func (z zevent) Type(key string, val interface{}) LogEvent { return zevent{z.e.Type(key, val)} }
func (z zevent) Err(err error) LogEvent                    { return zevent{z.e.Err(err)} }
func (z zevent) Msg(msg string)                            { z.e.Msg(msg) }
