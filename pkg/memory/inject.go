package memory

import (
	"context"
	"strings"
)

// InjectionConfig bounds the memory block assembled for a new session.
type InjectionConfig struct {
	Enabled    bool
	ProjectID  string // empty assembles from the global scope only
	MaxChars   int    // default 2000
	MaxEntries int    // default 10
}

const (
	defaultInjectionChars   = 2000
	defaultInjectionEntries = 10
)

// BuildInjection assembles a bounded text block from summary and recent
// nodes for insertion into a new session prompt. The second return value is
// false when injection is disabled or nothing qualifies.
func BuildInjection(ctx context.Context, store Store, cfg InjectionConfig) (string, bool) {
	if !cfg.Enabled {
		return "", false
	}
	maxChars := cfg.MaxChars
	if maxChars <= 0 {
		maxChars = defaultInjectionChars
	}
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = defaultInjectionEntries
	}

	ref := GlobalRef()
	if cfg.ProjectID != "" {
		ref = ProjectRef(cfg.ProjectID)
	}

	var entries []string
	seen := make(map[string]bool)
	add := func(value string) bool {
		value = strings.TrimSpace(value)
		if value == "" || seen[value] {
			return true
		}
		seen[value] = true
		entries = append(entries, "- "+value)
		return len(entries) < maxEntries
	}

	// Summaries carry the most context per character, so they go first.
	if cfg.ProjectID != "" {
		if node, err := store.GetNode(ctx, ref, ProjectSummaryKey); err == nil {
			add(node.Value)
		}
	}

	recent, err := store.Recent(ctx, ref, maxEntries)
	if err == nil {
		for _, node := range recent {
			if node.Key == ProjectSummaryKey {
				continue
			}
			if !add(node.Value) {
				break
			}
		}
	}

	if len(entries) == 0 {
		return "", false
	}

	block := "Relevant memory from previous sessions:\n" + strings.Join(entries, "\n")
	block = ShortenWithMarker(block, maxChars)
	return block, true
}
