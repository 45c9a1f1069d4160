package faults

import (
	"errors"
	"fmt"
	"testing"
)

func TestFault_RecoverabilityByCode(t *testing.T) {
	if New(CodeModelLoad, "x").Recoverable {
		t.Error("model_load_error must be fatal")
	}
	if !New(CodeDecodeTimeout, "x").Recoverable {
		t.Error("decode_timeout must be recoverable")
	}
	if New(CodeSessionNotFound, "x").Recoverable {
		t.Error("session_not_found is a command error, not a degraded mode")
	}
}

func TestFault_WrapAndUnwrap(t *testing.T) {
	cause := errors.New("disk on fire")
	f := Wrap(CodeModelLoad, cause, "loading %s", "model.bin")

	if !errors.Is(f, cause) {
		t.Error("wrapped cause not reachable via errors.Is")
	}
	if CodeOf(f) != CodeModelLoad {
		t.Errorf("CodeOf = %s", CodeOf(f))
	}
	if CodeOf(fmt.Errorf("outer: %w", f)) != CodeModelLoad {
		t.Error("CodeOf fails through wrapping")
	}
	if CodeOf(cause) != "" {
		t.Error("CodeOf on a plain error should be empty")
	}
}

func TestFault_IsMatchesByCode(t *testing.T) {
	a := New(CodeDecodeTimeout, "one")
	b := New(CodeDecodeTimeout, "two")
	c := New(CodeQueueFull, "three")
	if !errors.Is(a, b) {
		t.Error("faults with the same code must match")
	}
	if errors.Is(a, c) {
		t.Error("faults with different codes must not match")
	}
}

func TestIsFatal(t *testing.T) {
	if IsFatal(nil) {
		t.Error("nil is not fatal")
	}
	if !IsFatal(errors.New("anonymous")) {
		t.Error("plain errors default to fatal")
	}
	if IsFatal(New(CodeConsumerLagged, "x")) {
		t.Error("recoverable fault reported fatal")
	}
	if !IsFatal(New(CodeInvalidConfig, "x")) {
		t.Error("invalid_config must be fatal")
	}
}

func TestFault_Hints(t *testing.T) {
	f := New(CodeThermalThrottle, "hot").WithHints("open a window", "lower the tier")
	if len(f.RecoveryOptions) != 2 {
		t.Fatalf("hints = %v", f.RecoveryOptions)
	}
}
