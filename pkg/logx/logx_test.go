package logx

import (
	"testing"
)

func TestIsDebugEnabledFor(t *testing.T) {
	t.Cleanup(func() { SetDebug(false) })

	SetDebug(false)
	if IsDebugEnabledFor("pool") {
		t.Error("debug should be disabled")
	}

	SetDebug(true)
	if !IsDebugEnabledFor("pool") {
		t.Error("debug with no domain filter should enable all components")
	}

	SetDebug(true, "bridge", "bus")
	if !IsDebugEnabledFor("bridge") || !IsDebugEnabledFor("bus") {
		t.Error("listed domains should be enabled")
	}
	if IsDebugEnabledFor("pool") {
		t.Error("unlisted domain should be disabled")
	}
}

func TestWithComponent(t *testing.T) {
	base := NewLogger("pool")
	derived := base.WithComponent("pool-reaper")

	if derived.Component() != "pool-reaper" {
		t.Errorf("expected pool-reaper, got %s", derived.Component())
	}
	if base.Component() != "pool" {
		t.Errorf("base logger mutated: %s", base.Component())
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(nil, "context"); err != nil {
		t.Errorf("Wrap(nil) should return nil, got %v", err)
	}
}
