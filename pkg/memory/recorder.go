package memory

import (
	"context"
	"errors"
	"fmt"

	"warden/pkg/logx"
)

// Limits bound how much memory is retained. Zero fields use the defaults.
type Limits struct {
	MaxChars              int // per recorded message
	SummaryMaxChars       int // per rolling summary node
	MaxMessagesPerSession int
	MaxMessagesPerProject int
	MaxMessagesGlobal     int
	MaxProjectsGlobal     int
}

// DefaultLimits keep the store small enough to re-inject wholesale.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultLimits = Limits{
	MaxChars:              2000,
	SummaryMaxChars:       4000,
	MaxMessagesPerSession: 50,
	MaxMessagesPerProject: 500,
	MaxMessagesGlobal:     200,
	MaxProjectsGlobal:     20,
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits
	if l.MaxChars > 0 {
		d.MaxChars = l.MaxChars
	}
	if l.SummaryMaxChars > 0 {
		d.SummaryMaxChars = l.SummaryMaxChars
	}
	if l.MaxMessagesPerSession > 0 {
		d.MaxMessagesPerSession = l.MaxMessagesPerSession
	}
	if l.MaxMessagesPerProject > 0 {
		d.MaxMessagesPerProject = l.MaxMessagesPerProject
	}
	if l.MaxMessagesGlobal > 0 {
		d.MaxMessagesGlobal = l.MaxMessagesGlobal
	}
	if l.MaxProjectsGlobal > 0 {
		d.MaxProjectsGlobal = l.MaxProjectsGlobal
	}
	return d
}

// StoreConfig selects and configures a backend. A non-empty GraphDSN
// selects the graph database backend; otherwise the file backend under Dir
// is used.
type StoreConfig struct {
	Dir      string
	GraphDSN string
}

// OpenStore opens the backend selected by cfg.
func OpenStore(cfg StoreConfig) (Store, error) {
	if cfg.GraphDSN != "" {
		return NewGraphStore(cfg.GraphDSN)
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("memory store requires a directory or graph DSN")
	}
	return NewFileStore(cfg.Dir)
}

// RecordInput is one chat turn handed to the automatic-recording path.
type RecordInput struct {
	ProjectID string // empty records into the global scope
	SessionID string
	Seq       int // caller-maintained sequence within the session
	Text      string
	Tags      []string
}

// Recorder is the automatic per-turn recording path: normalize, upsert,
// summarize, trim.
type Recorder struct {
	store  Store
	limits Limits
	logger *logx.Logger
}

// NewRecorder wraps a store with trim limits.
func NewRecorder(store Store, limits Limits) *Recorder {
	return &Recorder{
		store:  store,
		limits: limits.withDefaults(),
		logger: logx.NewLogger("memory"),
	}
}

// Store exposes the underlying backend for direct read paths.
func (r *Recorder) Store() Store { return r.store }

// SessionSummaryKey returns the rolling summary key for a session.
func SessionSummaryKey(sessionID string) string {
	return "summary:" + sessionID
}

// ProjectSummaryKey is the rolling per-project summary node key.
const ProjectSummaryKey = "summary:project"

func messageKey(sessionID string, seq int) string {
	return fmt.Sprintf("message:%s:%d", sessionID, seq)
}

// RecordMessage records one chat turn. The raw message upsert must succeed
// or the whole call fails; summary updates and trimming are best-effort and
// never abort the record.
func (r *Recorder) RecordMessage(ctx context.Context, in RecordInput) (*Node, error) {
	if in.SessionID == "" {
		return nil, fmt.Errorf("sessionId is required")
	}
	if in.Seq < 0 {
		return nil, fmt.Errorf("sequence must be non-negative")
	}

	ref := GlobalRef()
	if in.ProjectID != "" {
		ref = ProjectRef(in.ProjectID)
	}

	normalized := NormalizeForMemory(in.Text, r.limits.MaxChars)
	key := messageKey(in.SessionID, in.Seq)

	if err := UpsertMemory(ctx, r.store, UpsertInput{
		Scope:     ref.Scope,
		ProjectID: ref.ProjectID,
		Key:       key,
		Value:     normalized,
		Tags:      in.Tags,
	}); err != nil {
		return nil, fmt.Errorf("failed to record message %s: %w", key, err)
	}

	r.appendSummary(ctx, ref, SessionSummaryKey(in.SessionID), normalized)
	if ref.Scope == ScopeProject {
		r.appendSummary(ctx, ref, ProjectSummaryKey, normalized)
	}
	r.trim(ctx, ref, in.SessionID)

	node, err := r.store.GetNode(ctx, ref, key)
	if err != nil {
		// The upsert succeeded; a read-back failure should not fail the record.
		r.logger.Warn("Recorded message %s but read-back failed: %v", key, err)
		return &Node{Scope: ref.Scope, ProjectID: ref.ProjectID, Key: key, Value: normalized, Tags: in.Tags}, nil
	}
	return node, nil
}

// appendSummary folds text into a rolling summary node, tolerating lookup
// and write failures.
func (r *Recorder) appendSummary(ctx context.Context, ref Ref, key, text string) {
	if text == "" {
		return
	}

	existing := ""
	node, err := r.store.GetNode(ctx, ref, key)
	if err == nil {
		existing = node.Value
	} else if !isNotFound(err) {
		r.logger.Warn("Summary lookup for %s failed, starting fresh: %v", key, err)
	}

	rolled := AppendRollingSummary(existing, text, r.limits.SummaryMaxChars)
	if err := UpsertMemory(ctx, r.store, UpsertInput{
		Scope:     ref.Scope,
		ProjectID: ref.ProjectID,
		Key:       key,
		Value:     rolled,
		Tags:      []string{"summary"},
	}); err != nil {
		r.logger.Warn("Summary update for %s failed: %v", key, err)
	}
}

// trim evicts the oldest message nodes beyond the per-session, per-project,
// and global caps, then the least-recently-updated projects beyond the
// project cap. Errors are logged, not returned.
func (r *Recorder) trim(ctx context.Context, ref Ref, sessionID string) {
	r.trimPrefix(ctx, ref, "message:"+sessionID+":", r.limits.MaxMessagesPerSession)
	if ref.Scope == ScopeProject {
		r.trimPrefix(ctx, ref, "message:", r.limits.MaxMessagesPerProject)
	} else {
		r.trimPrefix(ctx, ref, "message:", r.limits.MaxMessagesGlobal)
	}
	r.trimProjects(ctx)
}

func (r *Recorder) trimPrefix(ctx context.Context, ref Ref, prefix string, limit int) {
	nodes, err := r.store.ListByPrefix(ctx, ref, prefix)
	if err != nil {
		r.logger.Warn("Trim listing for %s failed: %v", prefix, err)
		return
	}
	if len(nodes) <= limit {
		return
	}

	// ListByPrefix returns oldest first.
	victims := make([]string, 0, len(nodes)-limit)
	for _, n := range nodes[:len(nodes)-limit] {
		victims = append(victims, n.Key)
	}
	if err := r.store.DeleteNodes(ctx, ref, victims); err != nil {
		r.logger.Warn("Trim eviction for %s failed: %v", prefix, err)
		return
	}
	r.logger.Debug("Trimmed %d message node(s) beyond cap %d (%s)", len(victims), limit, prefix)
}

func (r *Recorder) trimProjects(ctx context.Context) {
	ids, err := r.store.ListProjects(ctx)
	if err != nil {
		r.logger.Warn("Project trim listing failed: %v", err)
		return
	}
	if len(ids) <= r.limits.MaxProjectsGlobal {
		return
	}

	// ListProjects returns least-recently updated first.
	for _, id := range ids[:len(ids)-r.limits.MaxProjectsGlobal] {
		if err := r.store.DeleteProject(ctx, id); err != nil {
			r.logger.Warn("Project eviction for %s failed: %v", id, err)
			continue
		}
		r.logger.Info("Evicted stale project memory: %s", id)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNodeNotFound)
}
