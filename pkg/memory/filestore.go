package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"warden/pkg/logx"
)

const fileStoreVersion = 1

// fileDocument is the on-disk shape: one JSON document per scope.
type fileDocument struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
	Nodes     []Node    `json:"nodes"`
	Links     []Link    `json:"links"`
}

// FileStore persists memory as one JSON document per scope:
// <root>/global.json and <root>/projects/<encoded-project-id>.json.
// Writes are atomic (write-temp-then-rename with a direct-overwrite
// fallback) so a crash mid-write cannot corrupt a document.
type FileStore struct {
	root   string
	mu     sync.Mutex
	logger *logx.Logger
}

// NewFileStore creates the store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "projects"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create memory directory: %w", err)
	}
	return &FileStore{root: dir, logger: logx.NewLogger("memory")}, nil
}

func (s *FileStore) path(ref Ref) string {
	if ref.Scope == ScopeGlobal {
		return filepath.Join(s.root, "global.json")
	}
	return filepath.Join(s.root, "projects", url.PathEscape(ref.ProjectID)+".json")
}

// load reads a scope document, returning an empty document if absent.
func (s *FileStore) load(ref Ref) (*fileDocument, error) {
	data, err := os.ReadFile(s.path(ref))
	if os.IsNotExist(err) {
		return &fileDocument{Version: fileStoreVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read memory document: %w", err)
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse memory document %s: %w", s.path(ref), err)
	}
	return &doc, nil
}

// save writes a scope document atomically. Rename failures (some network
// filesystems) fall back to a direct overwrite.
func (s *FileStore) save(ref Ref, doc *fileDocument) error {
	doc.Version = fileStoreVersion
	doc.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal memory document: %w", err)
	}

	target := s.path(ref)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write memory document: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		s.logger.Warn("Atomic rename failed for %s, falling back to direct write: %v", target, err)
		_ = os.Remove(tmp)
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return fmt.Errorf("failed to write memory document: %w", err)
		}
	}
	return nil
}

func (s *FileStore) UpsertNode(_ context.Context, ref Ref, node Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(ref)
	if err != nil {
		return err
	}

	for i := range doc.Nodes {
		if doc.Nodes[i].Key == node.Key {
			node.CreatedAt = doc.Nodes[i].CreatedAt // replace keeps creation time
			doc.Nodes[i] = node
			return s.save(ref, doc)
		}
	}
	doc.Nodes = append(doc.Nodes, node)
	return s.save(ref, doc)
}

func (s *FileStore) GetNode(_ context.Context, ref Ref, key string) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(ref)
	if err != nil {
		return nil, err
	}
	for i := range doc.Nodes {
		if doc.Nodes[i].Key == key {
			node := doc.Nodes[i]
			return &node, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, key)
}

func (s *FileStore) DeleteNodes(_ context.Context, ref Ref, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(ref)
	if err != nil {
		return err
	}

	drop := make(map[string]bool, len(keys))
	for _, k := range keys {
		drop[k] = true
	}

	nodes := doc.Nodes[:0]
	for _, n := range doc.Nodes {
		if !drop[n.Key] {
			nodes = append(nodes, n)
		}
	}
	doc.Nodes = nodes

	links := doc.Links[:0]
	for _, l := range doc.Links {
		if !drop[l.FromKey] && !drop[l.ToKey] {
			links = append(links, l)
		}
	}
	doc.Links = links

	return s.save(ref, doc)
}

func (s *FileStore) UpsertLink(_ context.Context, ref Ref, link Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(ref)
	if err != nil {
		return err
	}

	exists := func(key string) bool {
		for i := range doc.Nodes {
			if doc.Nodes[i].Key == key {
				return true
			}
		}
		return false
	}
	if !exists(link.FromKey) {
		return fmt.Errorf("%w: %s", ErrLinkEndpoint, link.FromKey)
	}
	if !exists(link.ToKey) {
		return fmt.Errorf("%w: %s", ErrLinkEndpoint, link.ToKey)
	}

	for i := range doc.Links {
		if doc.Links[i].FromKey == link.FromKey && doc.Links[i].ToKey == link.ToKey && doc.Links[i].Type == link.Type {
			link.CreatedAt = doc.Links[i].CreatedAt
			doc.Links[i] = link
			return s.save(ref, doc)
		}
	}
	doc.Links = append(doc.Links, link)
	return s.save(ref, doc)
}

func (s *FileStore) Search(_ context.Context, ref Ref, query string, limit int) ([]Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(ref)
	if err != nil {
		return nil, err
	}

	type scored struct {
		node  Node
		score int
	}
	var matches []scored
	for _, n := range doc.Nodes {
		score := relevanceScore(n, query)
		if score > 0 {
			matches = append(matches, scored{node: n, score: score})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].node.UpdatedAt.After(matches[j].node.UpdatedAt)
	})

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]Node, len(matches))
	for i, m := range matches {
		out[i] = m.node
	}
	return out, nil
}

func (s *FileStore) Recent(_ context.Context, ref Ref, limit int) ([]Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(ref)
	if err != nil {
		return nil, err
	}

	nodes := append([]Node(nil), doc.Nodes...)
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].UpdatedAt.After(nodes[j].UpdatedAt)
	})
	if limit > 0 && len(nodes) > limit {
		nodes = nodes[:limit]
	}
	return nodes, nil
}

func (s *FileStore) ListByPrefix(_ context.Context, ref Ref, prefix string) ([]Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(ref)
	if err != nil {
		return nil, err
	}

	var out []Node
	for _, n := range doc.Nodes {
		if strings.HasPrefix(n.Key, prefix) {
			out = append(out, n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *FileStore) ListProjects(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(s.root, "projects"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list project documents: %w", err)
	}

	type proj struct {
		id      string
		modTime time.Time
	}
	var projects []proj
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil {
			s.logger.Warn("Skipping undecodable project document %s: %v", name, err)
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		projects = append(projects, proj{id: id, modTime: info.ModTime()})
	}

	// Least-recently updated first, so eviction can pop from the front.
	sort.SliceStable(projects, func(i, j int) bool {
		return projects[i].modTime.Before(projects[j].modTime)
	})

	ids := make([]string, len(projects))
	for i, p := range projects {
		ids[i] = p.id
	}
	return ids, nil
}

func (s *FileStore) DeleteProject(_ context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(ProjectRef(projectID))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete project document: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

// relevanceScore counts query token hits in the key, value, and tags.
func relevanceScore(n Node, query string) int {
	tokens := strings.Fields(strings.ToLower(query))
	if len(tokens) == 0 {
		return 0
	}

	value := strings.ToLower(n.Value)
	key := strings.ToLower(n.Key)
	score := 0
	for _, tok := range tokens {
		if strings.Contains(value, tok) {
			score += 2
		}
		if strings.Contains(key, tok) {
			score++
		}
		for _, tag := range n.Tags {
			if strings.Contains(strings.ToLower(tag), tok) {
				score++
			}
		}
	}
	return score
}
