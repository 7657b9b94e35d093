package policy

import (
	"errors"
	"strings"
	"testing"
)

func boolPtr(b bool) *bool { return &b }

func TestResolveDefaultsPermissive(t *testing.T) {
	r := Resolve(Config{}, "coder")

	if !r.AutoSpawn || !r.OnDemand || !r.AllowManual || !r.WarmPool || !r.ReuseExisting {
		t.Errorf("all capabilities should default to true, got %+v", r)
	}
}

func TestResolvePoolDefaultLayer(t *testing.T) {
	cfg := Config{
		Default: Overrides{AutoSpawn: boolPtr(false), WarmPool: boolPtr(false)},
	}

	r := Resolve(cfg, "coder")
	if r.AutoSpawn {
		t.Error("pool default should disable autoSpawn")
	}
	if r.WarmPool {
		t.Error("pool default should disable warmPool")
	}
	if !r.OnDemand {
		t.Error("untouched capability should stay permissive")
	}
}

func TestResolveProfileOverridesDefault(t *testing.T) {
	cfg := Config{
		Default: Overrides{AutoSpawn: boolPtr(false)},
		Profiles: map[string]Overrides{
			"qa": {AutoSpawn: boolPtr(true), AllowManual: boolPtr(false)},
		},
	}

	qa := Resolve(cfg, "qa")
	if !qa.AutoSpawn {
		t.Error("profile override should beat pool default")
	}
	if qa.AllowManual {
		t.Error("profile should disable allowManual")
	}

	// Other profiles only see the pool default.
	other := Resolve(cfg, "coder")
	if other.AutoSpawn {
		t.Error("pool default should apply to profiles without overrides")
	}
	if !other.AllowManual {
		t.Error("coder allowManual should be permissive")
	}
}

func TestProjections(t *testing.T) {
	cfg := Config{
		Profiles: map[string]Overrides{
			"qa": {AllowManual: boolPtr(false), ReuseExisting: boolPtr(false)},
		},
	}

	if CanSpawnManually(cfg, "qa") {
		t.Error("CanSpawnManually should be false for qa")
	}
	if CanReuseExisting(cfg, "qa") {
		t.Error("CanReuseExisting should be false for qa")
	}
	if !CanAutoSpawn(cfg, "qa") || !CanSpawnOnDemand(cfg, "qa") || !CanWarmPool(cfg, "qa") {
		t.Error("unset capabilities should stay permissive")
	}
}

func TestRefusalError(t *testing.T) {
	err := RefusalError("qa", CapManual)

	if !errors.Is(err, ErrRefused) {
		t.Error("refusal should wrap ErrRefused")
	}
	if !strings.Contains(err.Error(), "disabled by spawnPolicy") {
		t.Errorf("refusal should mention spawnPolicy: %s", err)
	}
	if !strings.Contains(err.Error(), "qa") {
		t.Errorf("refusal should mention the profile id: %s", err)
	}
}
