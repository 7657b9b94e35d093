package memory

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordMessageRedactsAndStrips(t *testing.T) {
	ctx := context.Background()
	rec := NewRecorder(newTestStore(t), Limits{})

	node, err := rec.RecordMessage(ctx, RecordInput{
		SessionID: "s1",
		Seq:       0,
		Text:      "use key sk-abc123def456ghi789jkl012 and run:\n```bash\nmake deploy\n```",
	})
	require.NoError(t, err)

	assert.NotContains(t, node.Value, "sk-abc123def456ghi789jkl012")
	assert.Contains(t, node.Value, RedactionMarker)
	assert.NotContains(t, node.Value, "make deploy")
	assert.Contains(t, node.Value, CodeBlockPlaceholder)
}

func TestRecordMessageValidation(t *testing.T) {
	ctx := context.Background()
	rec := NewRecorder(newTestStore(t), Limits{})

	_, err := rec.RecordMessage(ctx, RecordInput{Seq: 0, Text: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sessionId")

	_, err = rec.RecordMessage(ctx, RecordInput{SessionID: "s1", Seq: -1, Text: "hi"})
	require.Error(t, err)
}

func TestRecordMessageTrimsSessionToCap(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	rec := NewRecorder(store, Limits{MaxMessagesPerSession: 3})

	for i := 0; i < 7; i++ {
		_, err := rec.RecordMessage(ctx, RecordInput{
			SessionID: "s1",
			Seq:       i,
			Text:      fmt.Sprintf("turn %d", i),
		})
		require.NoError(t, err)
	}

	nodes, err := store.ListByPrefix(ctx, GlobalRef(), "message:s1:")
	require.NoError(t, err)
	require.Len(t, nodes, 3)

	// Oldest turns are the ones evicted.
	keys := make([]string, len(nodes))
	for i, n := range nodes {
		keys[i] = n.Key
	}
	assert.Equal(t, []string{"message:s1:4", "message:s1:5", "message:s1:6"}, keys)
}

func TestRecordMessageMaintainsRollingSummaries(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	rec := NewRecorder(store, Limits{})

	_, err := rec.RecordMessage(ctx, RecordInput{
		ProjectID: "alpha",
		SessionID: "s1",
		Seq:       0,
		Text:      "decided to use postgres",
	})
	require.NoError(t, err)
	_, err = rec.RecordMessage(ctx, RecordInput{
		ProjectID: "alpha",
		SessionID: "s1",
		Seq:       1,
		Text:      "migrations live in db/migrate",
	})
	require.NoError(t, err)

	ref := ProjectRef("alpha")
	session, err := store.GetNode(ctx, ref, SessionSummaryKey("s1"))
	require.NoError(t, err)
	assert.Contains(t, session.Value, "postgres")
	assert.Contains(t, session.Value, "db/migrate")

	project, err := store.GetNode(ctx, ref, ProjectSummaryKey)
	require.NoError(t, err)
	assert.Contains(t, project.Value, "postgres")
}

func TestRecordMessageSummaryStaysBounded(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	rec := NewRecorder(store, Limits{SummaryMaxChars: 200})

	for i := 0; i < 10; i++ {
		_, err := rec.RecordMessage(ctx, RecordInput{
			SessionID: "s1",
			Seq:       i,
			Text:      strings.Repeat("x", 150),
		})
		require.NoError(t, err)
	}

	summary, err := store.GetNode(ctx, GlobalRef(), SessionSummaryKey("s1"))
	require.NoError(t, err)
	assert.LessOrEqual(t, len([]rune(summary.Value)), 200)
}

func TestRecordMessageEvictsStaleProjects(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	rec := NewRecorder(store, Limits{MaxProjectsGlobal: 2})

	for _, id := range []string{"p1", "p2", "p3"} {
		_, err := rec.RecordMessage(ctx, RecordInput{
			ProjectID: id,
			SessionID: "s1",
			Seq:       0,
			Text:      "note for " + id,
		})
		require.NoError(t, err)
	}

	ids, err := store.ListProjects(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"p2", "p3"}, ids)
}

func TestOpenStoreSelectsBackend(t *testing.T) {
	store, err := OpenStore(StoreConfig{Dir: t.TempDir()})
	require.NoError(t, err)
	defer store.Close()
	_, ok := store.(*FileStore)
	assert.True(t, ok)

	_, err = OpenStore(StoreConfig{})
	require.Error(t, err)
}

func TestBuildInjection(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	rec := NewRecorder(store, Limits{})

	_, err := rec.RecordMessage(ctx, RecordInput{
		ProjectID: "alpha",
		SessionID: "s1",
		Seq:       0,
		Text:      "the API gateway lives in services/gateway",
	})
	require.NoError(t, err)

	block, ok := BuildInjection(ctx, store, InjectionConfig{Enabled: true, ProjectID: "alpha"})
	require.True(t, ok)
	assert.Contains(t, block, "services/gateway")
	assert.Contains(t, block, "Relevant memory")

	// Disabled or empty stores produce nothing.
	_, ok = BuildInjection(ctx, store, InjectionConfig{Enabled: false, ProjectID: "alpha"})
	assert.False(t, ok)
	_, ok = BuildInjection(ctx, store, InjectionConfig{Enabled: true, ProjectID: "empty"})
	assert.False(t, ok)
}

func TestBuildInjectionRespectsBounds(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for i := 0; i < 20; i++ {
		require.NoError(t, UpsertMemory(ctx, store, UpsertInput{
			Scope: ScopeGlobal,
			Key:   fmt.Sprintf("note:%d", i),
			Value: strings.Repeat("word ", 40) + fmt.Sprintf("%d", i),
		}))
	}

	block, ok := BuildInjection(ctx, store, InjectionConfig{Enabled: true, MaxChars: 300, MaxEntries: 5})
	require.True(t, ok)
	assert.LessOrEqual(t, len([]rune(block)), 300)
	assert.LessOrEqual(t, strings.Count(block, "\n- "), 5)
}
