package guard

import (
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestValidate_OK(t *testing.T) {
	g := New(DefaultPolicy(), nil)

	raw, size, err := g.Validate("job-1", map[string]any{"sum": 15})
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if string(raw) != `{"sum":15}` {
		t.Fatalf("unexpected payload: %s", raw)
	}
	if size != int64(len(raw)) {
		t.Fatalf("size mismatch: %d != %d", size, len(raw))
	}
}

func TestValidate_NilResultIsValid(t *testing.T) {
	g := New(DefaultPolicy(), nil)
	raw, size, err := g.Validate("job-1", nil)
	if err != nil {
		t.Fatalf("Validate(nil) error: %v", err)
	}
	if string(raw) != "null" || size != 4 {
		t.Fatalf("unexpected nil encoding: %s (%d)", raw, size)
	}
}

func TestValidate_NonSerializable(t *testing.T) {
	g := New(DefaultPolicy(), nil)

	_, _, err := g.Validate("job-1", map[string]any{"ch": make(chan int)})
	var rej *RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("expected RejectionError, got %v", err)
	}
	if rej.Reason != ReasonNonSerializable {
		t.Fatalf("expected %s, got %s", ReasonNonSerializable, rej.Reason)
	}
}

func TestValidate_Oversized(t *testing.T) {
	g := New(Policy{SoftLimitBytes: 8, HardLimitBytes: 16}, nil)

	_, _, err := g.Validate("job-1", strings.Repeat("x", 32))
	var rej *RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("expected RejectionError, got %v", err)
	}
	if rej.Reason != ReasonOversized {
		t.Fatalf("expected %s, got %s", ReasonOversized, rej.Reason)
	}
	if rej.Size != 34 { // 32 chars + quotes
		t.Fatalf("expected size 34, got %d", rej.Size)
	}
}

func TestValidate_SoftLimitWarns(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	g := New(Policy{SoftLimitBytes: 4, HardLimitBytes: 1 << 20}, zap.New(core))

	raw, _, err := g.Validate("job-1", "long enough to warn")
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if len(raw) == 0 {
		t.Fatalf("expected payload")
	}
	if logs.FilterMessage("job result exceeds soft size limit").Len() != 1 {
		t.Fatalf("expected a soft limit warning, got %d entries", logs.Len())
	}
}
