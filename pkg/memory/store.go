// Package memory persists cross-session knowledge as addressable, taggable
// nodes with typed links, keeps storage bounded via trim eviction, redacts
// obvious secrets, and produces size-capped injection text for new sessions.
package memory

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Scope partitions memory into per-project and global stores.
type Scope string

const (
	ScopeProject Scope = "project"
	ScopeGlobal  Scope = "global"
)

// Errors callers branch on.
var (
	ErrNodeNotFound = errors.New("memory node not found")
	ErrLinkEndpoint = errors.New("link endpoint does not exist")
)

// Ref addresses one scope store: the global store, or one project's store.
type Ref struct {
	Scope     Scope
	ProjectID string
}

// Validate rejects project refs without a project id.
func (r Ref) Validate() error {
	switch r.Scope {
	case ScopeGlobal:
		return nil
	case ScopeProject:
		if r.ProjectID == "" {
			return fmt.Errorf("scope=project requires a projectId")
		}
		return nil
	default:
		return fmt.Errorf("unknown scope %q", r.Scope)
	}
}

// GlobalRef addresses the global store.
func GlobalRef() Ref { return Ref{Scope: ScopeGlobal} }

// ProjectRef addresses one project's store.
func ProjectRef(projectID string) Ref {
	return Ref{Scope: ScopeProject, ProjectID: projectID}
}

// Node is one memory entry. Keys are caller-chosen stable strings
// (message:<session>:<n>, summary:<session>) used for lookup, trimming,
// and relationship linking.
type Node struct {
	Scope     Scope     `json:"scope"`
	ProjectID string    `json:"project_id,omitempty"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Link is a directed, typed edge between two nodes in the same scope.
type Link struct {
	FromKey   string    `json:"from_key"`
	ToKey     string    `json:"to_key"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the backend contract shared by the file and graph
// implementations. Which backend is active is decided at composition time
// by whether graph-database connection config is present.
type Store interface {
	// UpsertNode creates or replaces a node by (ref, key).
	UpsertNode(ctx context.Context, ref Ref, node Node) error

	// GetNode returns a node or ErrNodeNotFound.
	GetNode(ctx context.Context, ref Ref, key string) (*Node, error)

	// DeleteNodes removes nodes by key; missing keys are ignored. Links
	// touching a removed node are removed with it.
	DeleteNodes(ctx context.Context, ref Ref, keys []string) error

	// UpsertLink creates or refreshes a directed edge. Both endpoints must
	// already exist in the same scope or ErrLinkEndpoint is returned.
	UpsertLink(ctx context.Context, ref Ref, link Link) error

	// Search returns nodes matching the query by token/substring relevance,
	// most relevant first, capped by limit.
	Search(ctx context.Context, ref Ref, query string, limit int) ([]Node, error)

	// Recent returns nodes ordered by update recency, newest first, capped
	// by limit.
	Recent(ctx context.Context, ref Ref, limit int) ([]Node, error)

	// ListByPrefix returns nodes whose key starts with prefix, oldest
	// first. Used by trimming.
	ListByPrefix(ctx context.Context, ref Ref, prefix string) ([]Node, error)

	// ListProjects returns known project ids ordered by least-recently
	// updated first. Used by project eviction.
	ListProjects(ctx context.Context) ([]string, error)

	// DeleteProject removes a project's entire store.
	DeleteProject(ctx context.Context, projectID string) error

	Close() error
}

// UpsertInput is the public create-or-replace operation input.
type UpsertInput struct {
	Scope     Scope
	ProjectID string
	Key       string
	Value     string
	Tags      []string
}

// LinkInput is the public link operation input.
type LinkInput struct {
	Scope     Scope
	ProjectID string
	FromKey   string
	ToKey     string
	Type      string
}

// UpsertMemory validates input and writes a node through the store.
func UpsertMemory(ctx context.Context, store Store, in UpsertInput) error {
	ref := Ref{Scope: in.Scope, ProjectID: in.ProjectID}
	if err := ref.Validate(); err != nil {
		return err
	}
	if in.Key == "" {
		return fmt.Errorf("memory key is required")
	}

	now := time.Now().UTC()
	return store.UpsertNode(ctx, ref, Node{
		Scope:     in.Scope,
		ProjectID: in.ProjectID,
		Key:       in.Key,
		Value:     in.Value,
		Tags:      in.Tags,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// LinkMemory validates input and writes a directed edge through the store.
func LinkMemory(ctx context.Context, store Store, in LinkInput) error {
	ref := Ref{Scope: in.Scope, ProjectID: in.ProjectID}
	if err := ref.Validate(); err != nil {
		return err
	}
	if in.FromKey == "" || in.ToKey == "" {
		return fmt.Errorf("link endpoints are required")
	}
	if in.Type == "" {
		return fmt.Errorf("link type is required")
	}

	now := time.Now().UTC()
	return store.UpsertLink(ctx, ref, Link{
		FromKey:   in.FromKey,
		ToKey:     in.ToKey,
		Type:      in.Type,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// SearchMemory is the public relevance read path.
func SearchMemory(ctx context.Context, store Store, ref Ref, query string, limit int) ([]Node, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	return store.Search(ctx, ref, query, limit)
}

// RecentMemory is the public recency read path.
func RecentMemory(ctx context.Context, store Store, ref Ref, limit int) ([]Node, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	return store.Recent(ctx, ref, limit)
}
