// Package profile defines worker profile templates and their inheritance
// resolution. A profile describes a worker kind: the model it runs, its
// capability flags, and tool/env restrictions. Profiles are immutable once
// loaded and are looked up by id.
package profile

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// WorkerProfile is a static description of a worker kind.
type WorkerProfile struct {
	ID             string            `yaml:"id" json:"id"`
	Extends        string            `yaml:"extends,omitempty" json:"extends,omitempty"`
	Model          string            `yaml:"model,omitempty" json:"model,omitempty"`
	SupportsVision *bool             `yaml:"supportsVision,omitempty" json:"supportsVision,omitempty"`
	SupportsWeb    *bool             `yaml:"supportsWeb,omitempty" json:"supportsWeb,omitempty"`
	AllowedTools   []string          `yaml:"allowedTools,omitempty" json:"allowedTools,omitempty"`
	DeniedTools    []string          `yaml:"deniedTools,omitempty" json:"deniedTools,omitempty"`
	Env            map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// Vision reports the resolved vision capability (default false).
func (p *WorkerProfile) Vision() bool {
	return p.SupportsVision != nil && *p.SupportsVision
}

// Web reports the resolved web capability (default false).
func (p *WorkerProfile) Web() bool {
	return p.SupportsWeb != nil && *p.SupportsWeb
}

// Document is the on-disk shape of a profiles definition. Loading and
// merging of the file itself is the caller's concern; this package only
// parses and resolves.
type Document struct {
	Profiles []WorkerProfile `yaml:"profiles" json:"profiles"`
}

// Registry holds resolved profiles keyed by id.
type Registry struct {
	profiles map[string]*WorkerProfile
}

// NewRegistry resolves the extends chains of the given profiles and returns
// a registry of fully-merged, immutable profiles. It fails on duplicate
// ids, dangling extends pointers, and inheritance cycles.
func NewRegistry(profiles []WorkerProfile) (*Registry, error) {
	raw := make(map[string]*WorkerProfile, len(profiles))
	for i := range profiles {
		p := profiles[i]
		if p.ID == "" {
			return nil, fmt.Errorf("profile at index %d has no id", i)
		}
		if _, dup := raw[p.ID]; dup {
			return nil, fmt.Errorf("duplicate profile id %q", p.ID)
		}
		raw[p.ID] = &p
	}

	resolved := make(map[string]*WorkerProfile, len(raw))
	for id := range raw {
		p, err := resolve(raw, resolved, id, nil)
		if err != nil {
			return nil, err
		}
		resolved[id] = p
	}

	return &Registry{profiles: resolved}, nil
}

// LoadProfiles parses a yaml profiles document and resolves inheritance.
func LoadProfiles(data []byte) (*Registry, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse profiles document: %w", err)
	}
	return NewRegistry(doc.Profiles)
}

// Get returns the resolved profile for id, or an error naming the id.
func (r *Registry) Get(id string) (*WorkerProfile, error) {
	p, ok := r.profiles[id]
	if !ok {
		return nil, fmt.Errorf("unknown worker profile %q", id)
	}
	// Return a copy so callers cannot mutate the registry.
	cp := *p
	return &cp, nil
}

// IDs returns all registered profile ids.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.profiles))
	for id := range r.profiles {
		ids = append(ids, id)
	}
	return ids
}

// resolve merges a profile over its extends chain, detecting cycles via the
// trail of ids already being resolved.
func resolve(raw, done map[string]*WorkerProfile, id string, trail []string) (*WorkerProfile, error) {
	if p, ok := done[id]; ok {
		return p, nil
	}
	for _, seen := range trail {
		if seen == id {
			return nil, fmt.Errorf("profile inheritance cycle: %v -> %s", trail, id)
		}
	}

	p, ok := raw[id]
	if !ok {
		return nil, fmt.Errorf("profile %q extends unknown profile %q", trail[len(trail)-1], id)
	}
	if p.Extends == "" {
		return p, nil
	}

	parent, err := resolve(raw, done, p.Extends, append(trail, id))
	if err != nil {
		return nil, err
	}

	merged := mergeProfiles(parent, p)
	return merged, nil
}

// mergeProfiles overlays child fields onto a parent. Scalar and slice
// fields replace wholesale when set; env maps merge key-by-key with the
// child winning.
func mergeProfiles(parent, child *WorkerProfile) *WorkerProfile {
	merged := *parent
	merged.ID = child.ID
	merged.Extends = child.Extends

	if child.Model != "" {
		merged.Model = child.Model
	}
	if child.SupportsVision != nil {
		merged.SupportsVision = child.SupportsVision
	}
	if child.SupportsWeb != nil {
		merged.SupportsWeb = child.SupportsWeb
	}
	if child.AllowedTools != nil {
		merged.AllowedTools = child.AllowedTools
	}
	if child.DeniedTools != nil {
		merged.DeniedTools = child.DeniedTools
	}
	if len(child.Env) > 0 {
		env := make(map[string]string, len(parent.Env)+len(child.Env))
		for k, v := range parent.Env {
			env[k] = v
		}
		for k, v := range child.Env {
			env[k] = v
		}
		merged.Env = env
	}
	return &merged
}
