package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	_ "modernc.org/sqlite" // sqlite driver

	"warden/pkg/logx"
)

// GraphStore is the graph-database-backed Store: nodes and typed links in
// SQLite, one writer, WAL mode. Selected when a graph DSN is configured.
type GraphStore struct {
	db     *sql.DB
	logger *logx.Logger
}

const graphSchema = `
CREATE TABLE IF NOT EXISTS nodes (
	scope      TEXT NOT NULL,
	project_id TEXT NOT NULL DEFAULT '',
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	tags       TEXT NOT NULL DEFAULT '[]',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (scope, project_id, key)
);

CREATE TABLE IF NOT EXISTS links (
	scope      TEXT NOT NULL,
	project_id TEXT NOT NULL DEFAULT '',
	from_key   TEXT NOT NULL,
	to_key     TEXT NOT NULL,
	type       TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (scope, project_id, from_key, to_key, type)
);

CREATE INDEX IF NOT EXISTS idx_nodes_updated ON nodes(scope, project_id, updated_at);
`

// NewGraphStore opens (and if needed creates) the graph database at dsn.
func NewGraphStore(dsn string) (*GraphStore, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		dsn,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open graph database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping graph database: %w", err)
	}
	if _, err := db.Exec(graphSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize graph schema: %w", err)
	}

	// SQLite supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &GraphStore{db: db, logger: logx.NewLogger("memory")}, nil
}

func (s *GraphStore) UpsertNode(ctx context.Context, ref Ref, node Node) error {
	tags, err := json.Marshal(node.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO nodes (scope, project_id, key, value, tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (scope, project_id, key) DO UPDATE SET
			value = excluded.value,
			tags = excluded.tags,
			updated_at = excluded.updated_at`,
		string(ref.Scope), ref.ProjectID, node.Key, node.Value, string(tags),
		node.CreatedAt, node.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert node %s: %w", node.Key, err)
	}
	return nil
}

func (s *GraphStore) GetNode(ctx context.Context, ref Ref, key string) (*Node, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, value, tags, created_at, updated_at
		FROM nodes WHERE scope = ? AND project_id = ? AND key = ?`,
		string(ref.Scope), ref.ProjectID, key)

	node, err := scanNode(row, ref)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node %s: %w", key, err)
	}
	return node, nil
}

func (s *GraphStore) DeleteNodes(ctx context.Context, ref Ref, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	for _, key := range keys {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM nodes WHERE scope = ? AND project_id = ? AND key = ?`,
			string(ref.Scope), ref.ProjectID, key); err != nil {
			return fmt.Errorf("failed to delete node %s: %w", key, err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM links WHERE scope = ? AND project_id = ? AND (from_key = ? OR to_key = ?)`,
			string(ref.Scope), ref.ProjectID, key, key); err != nil {
			return fmt.Errorf("failed to delete links for %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

func (s *GraphStore) UpsertLink(ctx context.Context, ref Ref, link Link) error {
	for _, key := range []string{link.FromKey, link.ToKey} {
		var n int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM nodes WHERE scope = ? AND project_id = ? AND key = ?`,
			string(ref.Scope), ref.ProjectID, key).Scan(&n)
		if err != nil {
			return fmt.Errorf("failed to check link endpoint %s: %w", key, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrLinkEndpoint, key)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO links (scope, project_id, from_key, to_key, type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (scope, project_id, from_key, to_key, type) DO UPDATE SET
			updated_at = excluded.updated_at`,
		string(ref.Scope), ref.ProjectID, link.FromKey, link.ToKey, link.Type,
		link.CreatedAt, link.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert link %s->%s: %w", link.FromKey, link.ToKey, err)
	}
	return nil
}

func (s *GraphStore) Search(ctx context.Context, ref Ref, query string, limit int) ([]Node, error) {
	tokens := strings.Fields(strings.ToLower(query))
	if len(tokens) == 0 {
		return nil, nil
	}

	// Pull candidates matching any token, then rank in Go with the same
	// relevance scoring the file backend uses.
	clauses := make([]string, 0, len(tokens))
	args := []any{string(ref.Scope), ref.ProjectID}
	for _, tok := range tokens {
		clauses = append(clauses, "(LOWER(value) LIKE ? OR LOWER(key) LIKE ? OR LOWER(tags) LIKE ?)")
		pattern := "%" + tok + "%"
		args = append(args, pattern, pattern, pattern)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT key, value, tags, created_at, updated_at
		FROM nodes WHERE scope = ? AND project_id = ? AND (%s)`,
		strings.Join(clauses, " OR ")), args...)
	if err != nil {
		return nil, fmt.Errorf("search query failed: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Close in defer is safe

	nodes, err := collectNodes(rows, ref)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(nodes, func(i, j int) bool {
		si, sj := relevanceScore(nodes[i], query), relevanceScore(nodes[j], query)
		if si != sj {
			return si > sj
		}
		return nodes[i].UpdatedAt.After(nodes[j].UpdatedAt)
	})
	if limit > 0 && len(nodes) > limit {
		nodes = nodes[:limit]
	}
	return nodes, nil
}

func (s *GraphStore) Recent(ctx context.Context, ref Ref, limit int) ([]Node, error) {
	q := `SELECT key, value, tags, created_at, updated_at
		FROM nodes WHERE scope = ? AND project_id = ?
		ORDER BY updated_at DESC`
	args := []any{string(ref.Scope), ref.ProjectID}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("recent query failed: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Close in defer is safe

	return collectNodes(rows, ref)
}

func (s *GraphStore) ListByPrefix(ctx context.Context, ref Ref, prefix string) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, tags, created_at, updated_at
		FROM nodes WHERE scope = ? AND project_id = ? AND key LIKE ? ESCAPE '\'
		ORDER BY updated_at ASC`,
		string(ref.Scope), ref.ProjectID, escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("prefix query failed: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Close in defer is safe

	return collectNodes(rows, ref)
}

func (s *GraphStore) ListProjects(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id FROM nodes
		WHERE scope = ? AND project_id != ''
		GROUP BY project_id
		ORDER BY MAX(updated_at) ASC`,
		string(ScopeProject))
	if err != nil {
		return nil, fmt.Errorf("project listing failed: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Close in defer is safe

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan project id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *GraphStore) DeleteProject(ctx context.Context, projectID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin project delete: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM nodes WHERE scope = ? AND project_id = ?`,
		string(ScopeProject), projectID); err != nil {
		return fmt.Errorf("failed to delete project nodes: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM links WHERE scope = ? AND project_id = ?`,
		string(ScopeProject), projectID); err != nil {
		return fmt.Errorf("failed to delete project links: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit project delete: %w", err)
	}
	return nil
}

func (s *GraphStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close graph database: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner, ref Ref) (*Node, error) {
	var node Node
	var tags string
	if err := row.Scan(&node.Key, &node.Value, &tags, &node.CreatedAt, &node.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &node.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags for %s: %w", node.Key, err)
	}
	node.Scope = ref.Scope
	node.ProjectID = ref.ProjectID
	return &node, nil
}

func collectNodes(rows *sql.Rows, ref Ref) ([]Node, error) {
	var nodes []Node
	for rows.Next() {
		node, err := scanNode(rows, ref)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, *node)
	}
	return nodes, rows.Err()
}

// escapeLike escapes LIKE wildcards in a literal prefix.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}
