package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with engine-specific helpers.
type Logger struct {
	zerolog.Logger
}

// loggerKey is the context key for storing the logger.
type loggerKey struct{}

// NewLogger creates a new structured logger based on the configuration.
func NewLogger(cfg LoggingConfig, serviceName, serviceVersion, environment string) (*Logger, error) {
	level, err := parseLogLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var output io.Writer
	switch cfg.Output {
	case "stdout":
		output = os.Stdout
	case "stderr", "":
		output = os.Stderr
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", cfg.Output, err)
		}
		output = file
	}

	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	logger := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", serviceVersion).
		Str("environment", environment).
		Logger()

	if cfg.EnableCaller {
		logger = logger.With().Caller().Logger()
	}

	if cfg.EnableSampling {
		logger = logger.Sample(&zerolog.BurstSampler{
			Burst:       uint32(cfg.SamplingInitial),
			Period:      time.Second,
			NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SamplingThereafter)},
		})
	}

	return &Logger{Logger: logger}, nil
}

// NopLogger returns a logger that discards everything. Useful as a default
// when no logger is injected.
func NopLogger() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// NewComponentLogger creates a child logger scoped to a component name.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return &Logger{Logger: l.With().Str("component", component).Logger()}
}

// WithContext returns a copy of ctx with the logger attached.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// FromContext retrieves the logger from the context, falling back to a
// default stderr logger when none is attached.
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*Logger); ok {
		return logger
	}
	return &Logger{Logger: zerolog.New(os.Stderr).With().Timestamp().Logger()}
}

// WithAtomID returns a logger with the atom ID field set.
func (l *Logger) WithAtomID(atomID string) *Logger {
	return &Logger{Logger: l.With().Str("atom_id", atomID).Logger()}
}

// WithWave returns a logger with the wave number field set.
func (l *Logger) WithWave(wave int) *Logger {
	return &Logger{Logger: l.With().Int("wave", wave).Logger()}
}

// WithRunID returns a logger with the run ID field set.
func (l *Logger) WithRunID(runID string) *Logger {
	return &Logger{Logger: l.With().Str("run_id", runID).Logger()}
}

// WithSystemID returns a logger with the system ID field set.
func (l *Logger) WithSystemID(systemID string) *Logger {
	return &Logger{Logger: l.With().Str("system_id", systemID).Logger()}
}

// WithError returns a logger with the error field set.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{Logger: l.With().Err(err).Logger()}
}

func parseLogLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "info", "":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "fatal":
		return zerolog.FatalLevel, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("unknown log level: %s", level)
	}
}
