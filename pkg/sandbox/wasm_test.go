package sandbox

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/atomrun/atomrun/pkg/engine"
)

func TestDecodeModule(t *testing.T) {
	raw := "\x00asm\x01\x00\x00\x00"
	decoded, err := decodeModule(raw)
	if err != nil {
		t.Fatalf("raw module should pass through: %v", err)
	}
	if string(decoded) != raw {
		t.Error("raw module altered by decode")
	}

	encoded := base64.StdEncoding.EncodeToString([]byte(raw))
	decoded, err = decodeModule(encoded + "\n")
	if err != nil {
		t.Fatalf("base64 module should decode: %v", err)
	}
	if string(decoded) != raw {
		t.Error("base64 module decoded incorrectly")
	}

	if _, err := decodeModule("!!! not base64 !!!"); err == nil {
		t.Error("expected decode error for invalid encoding")
	}
}

func TestWASMExecutorInvalidEncoding(t *testing.T) {
	w := NewWASMExecutor(DefaultLimits(), nil)

	atom := &engine.AtomicUnit{
		ID:       "w1",
		Source:   "!!! not base64 !!!",
		Language: "wasm",
	}

	result, err := w.Execute(context.Background(), atom, engine.ExecutionInput{})
	if err != nil {
		t.Fatalf("encoding defects must become results, not errors: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure")
	}
	if result.Category != engine.CategorySyntax {
		t.Errorf("expected syntax category, got %s", result.Category)
	}
}

func TestWASMExecutorMalformedModule(t *testing.T) {
	w := NewWASMExecutor(DefaultLimits(), nil)

	atom := &engine.AtomicUnit{
		ID:       "w1",
		Source:   base64.StdEncoding.EncodeToString([]byte("definitely not wasm")),
		Language: "wasm",
	}

	result, err := w.Execute(context.Background(), atom, engine.ExecutionInput{})
	if err != nil {
		t.Fatalf("malformed modules must become results, not errors: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure")
	}
	if result.ErrorMessage == "" {
		t.Error("expected an error message")
	}
}

func TestExecutorDispatchesByLanguage(t *testing.T) {
	e := NewExecutor(Config{}, nil)

	// A wasm atom with bad encoding lands in the wasm backend, which
	// reports a syntax failure rather than a missing interpreter.
	atom := &engine.AtomicUnit{ID: "w1", Source: "%%%", Language: "WASM"}
	result, err := e.Execute(context.Background(), atom, engine.ExecutionInput{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Category != engine.CategorySyntax {
		t.Errorf("expected wasm backend syntax failure, got %s", result.Category)
	}

	// An unsupported interpreted language lands in the process backend.
	atom = &engine.AtomicUnit{ID: "p1", Source: "x", Language: "cobol"}
	if _, err := e.Execute(context.Background(), atom, engine.ExecutionInput{}); !engine.IsFatal(err) {
		t.Errorf("expected fatal setup error from process backend, got %v", err)
	}
}
