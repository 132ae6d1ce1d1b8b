// Package logger provides the structured logging interface used across the
// chat server, backed by zerolog, with optional daily file rotation.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Field is a key-value pair attached to a log entry.
type Field struct {
	Key   string
	Value any
}

// Logger writes structured entries at four levels. Loggers derived with
// With carry their fields into every later entry.
type Logger interface {
	// Debug logs msg at debug level.
	Debug(msg string, fields ...Field)

	// Info logs msg at info level.
	Info(msg string, fields ...Field)

	// Warn logs msg at warn level.
	Warn(msg string, fields ...Field)

	// Error logs msg at error level.
	Error(msg string, fields ...Field)

	// With returns a child logger that adds fields to every entry. The
	// receiver is unchanged.
	With(fields ...Field) Logger

	// Close releases resources such as open log files. Safe to call more
	// than once; derived loggers never close the shared file.
	Close() error
}

type zerologLogger struct {
	logger         zerolog.Logger
	fileWriter     *DailyFileWriter
	ownsFileWriter bool
}

// NewZerologLogger wraps l, tagging every entry with the service name and a
// timestamp and dropping entries below level.
//
// Parameters:
//   - l: The zerolog.Logger to wrap
//   - serviceName: Added as the "service" field
//   - level: Minimum level to log
//
// Returns:
//   - A Logger writing through l
func NewZerologLogger(l zerolog.Logger, serviceName string, level zerolog.Level) Logger {
	return &zerologLogger{
		logger: l.With().Str("service", serviceName).Timestamp().Logger().Level(level),
	}
}

// NewConsoleLogger returns a human-readable logger on w, for interactive use.
func NewConsoleLogger(w io.Writer, serviceName string, level zerolog.Level) Logger {
	return NewZerologLogger(zerolog.New(zerolog.ConsoleWriter{Out: w}), serviceName, level)
}

// NewZerologFileLogger writes JSON entries to stdout and to a file in logDir
// that rotates daily ({serviceName}_{date}.log).
//
// Parameters:
//   - serviceName: Used in entries and file names
//   - logDir: Directory for log files; created if missing
//   - level: Minimum level to log
//
// Returns:
//   - The Logger, or an error if the directory or file cannot be opened
func NewZerologFileLogger(serviceName string, logDir string, level zerolog.Level) (Logger, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	fileWriter, err := NewDailyFileWriter(serviceName, logDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create file writer: %w", err)
	}

	multi := io.MultiWriter(os.Stdout, fileWriter)
	return &zerologLogger{
		logger:         zerolog.New(multi).With().Str("service", serviceName).Timestamp().Logger().Level(level),
		fileWriter:     fileWriter,
		ownsFileWriter: true,
	}, nil
}

// NewNopLogger returns a Logger that discards everything.
func NewNopLogger() Logger {
	return &zerologLogger{logger: zerolog.Nop()}
}

// ParseLevel maps a case-insensitive level name to a zerolog level.
// Unknown names yield zerolog.InfoLevel and an error.
func ParseLevel(name string) (zerolog.Level, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", name)
	}

	return level, nil
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
	return &zerologLogger{
		logger:     z.logger.With().Fields(toMap(fields)).Logger(),
		fileWriter: z.fileWriter,
	}
}

func (z *zerologLogger) Close() error {
	if z.fileWriter != nil && z.ownsFileWriter {
		return z.fileWriter.Close()
	}

	return nil
}

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
