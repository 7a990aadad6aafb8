package telemetry

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func bufferLogger(buf *bytes.Buffer) *Logger {
	return &Logger{Logger: zerolog.New(buf)}
}

func TestNewLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	cfg := LoggingConfig{Level: "info", Format: "json", Output: path}

	l, err := NewLogger(cfg, "atomrun", "test", "development")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	l.Info().Msg("hello")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	for _, want := range []string{`"service":"atomrun"`, `"environment":"development"`, `"message":"hello"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := NewLogger(LoggingConfig{Level: "shout"}, "atomrun", "test", "development"); err == nil {
		t.Error("expected error for unknown log level")
	}
}

func TestLoggerFieldHelpers(t *testing.T) {
	var buf bytes.Buffer
	l := bufferLogger(&buf)

	l.WithAtomID("a1").
		WithWave(2).
		WithRunID("run-9").
		WithSystemID("sys1").
		WithError(errors.New("boom")).
		Info().Msg("attempt failed")

	out := buf.String()
	for _, want := range []string{
		`"atom_id":"a1"`,
		`"wave":2`,
		`"run_id":"run-9"`,
		`"system_id":"sys1"`,
		`"error":"boom"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing field %s in %s", want, out)
		}
	}
}

func TestLoggerContextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	l := bufferLogger(&buf)

	ctx := l.WithContext(context.Background())
	if got := FromContext(ctx); got != l {
		t.Error("expected the attached logger back from the context")
	}

	// A bare context still yields a usable logger.
	if FromContext(context.Background()) == nil {
		t.Error("expected a fallback logger")
	}
}

func TestNewComponentLogger(t *testing.T) {
	var buf bytes.Buffer
	bufferLogger(&buf).NewComponentLogger("classifier").Info().Msg("x")
	if !strings.Contains(buf.String(), `"component":"classifier"`) {
		t.Errorf("missing component field: %s", buf.String())
	}
}

func TestNopLoggerDiscards(t *testing.T) {
	l := NopLogger()
	l.Info().Msg("dropped")
	l.NewComponentLogger("x").Error().Msg("dropped too")
}
