// Package logger provides the structured logging interface used throughout
// the library, with a zerolog-backed implementation and a no-op default so
// endpoints never assume an output sink.
package logger

import (
	"github.com/rs/zerolog"
)

// Field represents a key-value pair for structured log output.
type Field struct {
	Key   string
	Value any
}

// Logger is the structured logging interface accepted by every endpoint in
// this library. Implementations must be safe for concurrent use; endpoints
// log from accept loops, receive pumps, and send drains simultaneously.
type Logger interface {
	// Debug logs a message at debug level with optional structured fields.
	Debug(msg string, fields ...Field)

	// Info logs a message at info level with optional structured fields.
	Info(msg string, fields ...Field)

	// Warn logs a message at warn level with optional structured fields.
	Warn(msg string, fields ...Field)

	// Error logs a message at error level with optional structured fields.
	Error(msg string, fields ...Field)

	// With returns a derived Logger that includes the given fields in all
	// subsequent entries. The receiver is unchanged.
	//
	// Parameters:
	//   - fields: Key-value pairs to attach to the derived logger
	//
	// Returns:
	//   - A new Logger carrying the fields
	With(fields ...Field) Logger
}

type zerologLogger struct {
	logger zerolog.Logger
}

// NewZerologLogger wraps the given zerolog.Logger, stamping every entry
// with a component name and timestamp and filtering by level.
//
// Parameters:
//   - l: The zerolog.Logger to write through
//   - component: Name attached to every entry (e.g. "tcp-server")
//   - level: Minimum level to log
//
// Returns:
//   - A Logger backed by the given zerolog instance
func NewZerologLogger(l zerolog.Logger, component string, level zerolog.Level) Logger {
	return &zerologLogger{
		logger: l.With().Str("component", component).Timestamp().Logger().Level(level),
	}
}

func (z *zerologLogger) Debug(msg string, fields ...Field) {
	z.logger.Debug().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Info(msg string, fields ...Field) {
	z.logger.Info().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Warn(msg string, fields ...Field) {
	z.logger.Warn().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Error(msg string, fields ...Field) {
	z.logger.Error().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) With(fields ...Field) Logger {
	return &zerologLogger{logger: z.logger.With().Fields(toMap(fields)).Logger()}
}

// toMap converts a slice of Field into a map for zerolog.
func toMap(fields []Field) map[string]any {
	if len(fields) == 0 {
		return nil
	}

	m := make(map[string]any, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}

	return m
}

type nopLogger struct{}

// NewNopLogger returns a Logger that discards every entry. Endpoints use it
// as the default when no logger is configured.
func NewNopLogger() Logger {
	return nopLogger{}
}

func (nopLogger) Debug(msg string, fields ...Field) {}
func (nopLogger) Info(msg string, fields ...Field)  {}
func (nopLogger) Warn(msg string, fields ...Field)  {}
func (nopLogger) Error(msg string, fields ...Field) {}
func (nopLogger) With(fields ...Field) Logger       { return nopLogger{} }
