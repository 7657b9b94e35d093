// Package policy resolves per-profile spawn capabilities from configuration.
// Resolution is pure and side-effect free: profile-specific overrides win
// over the pool-wide default, which wins over built-in permissive defaults.
package policy

import (
	"errors"
	"fmt"
)

// ErrRefused is the sentinel wrapped by all policy refusal errors.
var ErrRefused = errors.New("disabled by spawnPolicy")

// Capability identifies one of the yes/no questions the policy answers.
type Capability string

const (
	CapAutoSpawn     Capability = "autoSpawn"
	CapOnDemand      Capability = "onDemand"
	CapManual        Capability = "allowManual"
	CapWarmPool      Capability = "warmPool"
	CapReuseExisting Capability = "reuseExisting"
)

// Overrides holds optional per-profile or pool-default capability settings.
// Nil pointers mean "not set here, fall through to the next layer".
type Overrides struct {
	AutoSpawn     *bool `yaml:"autoSpawn,omitempty" json:"autoSpawn,omitempty"`
	OnDemand      *bool `yaml:"onDemand,omitempty" json:"onDemand,omitempty"`
	AllowManual   *bool `yaml:"allowManual,omitempty" json:"allowManual,omitempty"`
	WarmPool      *bool `yaml:"warmPool,omitempty" json:"warmPool,omitempty"`
	ReuseExisting *bool `yaml:"reuseExisting,omitempty" json:"reuseExisting,omitempty"`
}

// Config is the spawn-policy section of pool configuration.
type Config struct {
	Default  Overrides            `yaml:"default" json:"default"`
	Profiles map[string]Overrides `yaml:"profiles" json:"profiles"`
}

// Resolved is the fully-merged policy for one profile.
type Resolved struct {
	ProfileID     string
	AutoSpawn     bool
	OnDemand      bool
	AllowManual   bool
	WarmPool      bool
	ReuseExisting bool
}

// Resolve merges config.Profiles[profileID] over config.Default over
// built-in defaults. Every capability defaults to permissive unless a
// layer explicitly disables it.
func Resolve(cfg Config, profileID string) Resolved {
	profile := cfg.Profiles[profileID]

	return Resolved{
		ProfileID:     profileID,
		AutoSpawn:     merge(profile.AutoSpawn, cfg.Default.AutoSpawn, true),
		OnDemand:      merge(profile.OnDemand, cfg.Default.OnDemand, true),
		AllowManual:   merge(profile.AllowManual, cfg.Default.AllowManual, true),
		WarmPool:      merge(profile.WarmPool, cfg.Default.WarmPool, true),
		ReuseExisting: merge(profile.ReuseExisting, cfg.Default.ReuseExisting, true),
	}
}

func merge(profile, def *bool, fallback bool) bool {
	if profile != nil {
		return *profile
	}
	if def != nil {
		return *def
	}
	return fallback
}

// CanAutoSpawn reports whether a profile may be spawned automatically.
func CanAutoSpawn(cfg Config, profileID string) bool {
	return Resolve(cfg, profileID).AutoSpawn
}

// CanSpawnOnDemand reports whether a profile may be spawned on demand.
func CanSpawnOnDemand(cfg Config, profileID string) bool {
	return Resolve(cfg, profileID).OnDemand
}

// CanSpawnManually reports whether a profile may be spawned manually.
func CanSpawnManually(cfg Config, profileID string) bool {
	return Resolve(cfg, profileID).AllowManual
}

// CanWarmPool reports whether a profile may participate in a warm pool.
func CanWarmPool(cfg Config, profileID string) bool {
	return Resolve(cfg, profileID).WarmPool
}

// CanReuseExisting reports whether a tracked instance may be reused.
func CanReuseExisting(cfg Config, profileID string) bool {
	return Resolve(cfg, profileID).ReuseExisting
}

// RefusalError builds the user-facing error for a capability refusal, e.g.
// "spawning profile qa is disabled by spawnPolicy (allowManual)". It wraps
// ErrRefused so callers can branch with errors.Is.
func RefusalError(profileID string, capability Capability) error {
	return fmt.Errorf("spawning profile %s is %w (%s)", profileID, ErrRefused, capability)
}
