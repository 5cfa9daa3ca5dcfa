package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/kittclouds/memtiers/internal/apperr"
	"github.com/kittclouds/memtiers/internal/config"
	"github.com/kittclouds/memtiers/internal/engine"
	"github.com/kittclouds/memtiers/internal/semantic"
	"github.com/kittclouds/memtiers/internal/symbolic"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	cfg := config.Default()
	cfg.DataRoot = t.TempDir()
	eng, err := engine.New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() { eng.Close() })

	o, err := New(eng)
	if err != nil {
		t.Fatalf("orchestrator.New: %v", err)
	}
	return o
}

// Scenario 1: authority precedence (spec §8 scenario 1).
func TestGetContextAuthorityPrecedence(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	if _, err := o.AddFact(ctx, "alpha", "db.engine", json.RawMessage(`"postgres"`), 0.95, symbolic.CategoryFact, symbolic.SourceUser); err != nil {
		t.Fatalf("AddFact: %v", err)
	}
	if _, err := o.AddEpisode(ctx, "alpha", "Choosing a storage engine for a small project",
		"Evaluated options", "Picked a lightweight engine",
		"Consider using SQLite for small data", 0.8); err != nil {
		t.Fatalf("AddEpisode: %v", err)
	}
	if _, err := o.IngestFileContent(ctx, "alpha", "notes/db.md", "Project uses MySQL.", semantic.ContentTypeDoc, "", nil); err != nil {
		t.Fatalf("IngestFileContent: %v", err)
	}

	env, err := o.GetContext(ctx, "alpha", ContextAll, "which database", "explicit_retrieval_request", 10)
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}

	if len(env.Symbolic) == 0 || env.Symbolic[0].Key != "db.engine" || env.Symbolic[0].Authority != AuthorityAuthoritative {
		t.Fatalf("expected authoritative db.engine fact, got %+v", env.Symbolic)
	}
	if len(env.Episodic) == 0 || !strings.Contains(env.Episodic[0].Lesson, "SQLite") || env.Episodic[0].Authority != AuthorityAdvisory {
		t.Fatalf("expected advisory SQLite lesson, got %+v", env.Episodic)
	}
	if len(env.Semantic) == 0 || !strings.Contains(env.Semantic[0].Content, "MySQL") || env.Semantic[0].Authority != AuthorityNonAuthoritative {
		t.Fatalf("expected non-authoritative MySQL chunk, got %+v", env.Semantic)
	}
}

// Scenario 2: conflict resolution (spec §8 scenario 2).
func TestAddFactConflictResolutionRejectsLowerConfidence(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	if _, err := o.AddFact(ctx, "alpha", "db.engine", json.RawMessage(`"postgres"`), 0.95, symbolic.CategoryFact, symbolic.SourceUser); err != nil {
		t.Fatalf("AddFact: %v", err)
	}
	_, err := o.AddFact(ctx, "alpha", "db.engine", json.RawMessage(`"mysql"`), 0.80, symbolic.CategoryFact, symbolic.SourceUser)
	if !apperr.Is(err, apperr.KindLowerConfidence) {
		t.Fatalf("expected LowerConfidence, got %v", err)
	}

	results, _, err := o.Search(ctx, "alpha", "db.engine", MemorySymbolic, "", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	found := false
	for _, r := range results {
		if r.Symbolic != nil && r.Symbolic.Value == `"postgres"` {
			found = true
		}
		if r.Symbolic != nil && r.Symbolic.Value == `"mysql"` {
			t.Fatalf("rejected mysql fact must not be active")
		}
	}
	if !found {
		t.Fatal("expected original postgres fact still active")
	}
}

// Scenario 3: forbidden content policy (spec §8 scenario 3).
func TestIngestFileRejectsForbiddenKind(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := o.IngestFileContent(ctx, "alpha", "notes/pref.md", "The user prefers dark mode.", semantic.ContentTypeDoc, "user_preference", nil)
	if !apperr.Is(err, apperr.KindForbiddenContent) {
		t.Fatalf("expected ForbiddenContentKind, got %v", err)
	}

	sources, err := o.ListSources(ctx, "alpha", "")
	if err != nil {
		t.Fatalf("ListSources: %v", err)
	}
	if len(sources) != 0 {
		t.Fatalf("expected nothing written, got %+v", sources)
	}
}

// Scenario 4: invalid trigger (spec §8 scenario 4).
func TestSearchRejectsInvalidTrigger(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	_, _, err := o.Search(ctx, "alpha", "auth", MemorySemantic, "auto", 10)
	if !apperr.Is(err, apperr.KindInvalidTrigger) {
		t.Fatalf("expected InvalidTrigger, got %v", err)
	}
}

// Scenario 5: episode abstraction rejection (spec §8 scenario 5).
func TestAddEpisodeRejectsOverlappingPathLikeLesson(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := o.AddEpisode(ctx, "alpha",
		"The repo at /home/u/proj is large", "grep", "found",
		"The repo at /home/u/proj is large so grep found it", 0.8)
	if !apperr.Is(err, apperr.KindValidationFailed) {
		t.Fatalf("expected ValidationFailed, got %v", err)
	}
}

// Scenario 6: deterministic chunking (spec §8 scenario 6).
func TestIngestFileIsIdempotentAndListSourcesReportsChunkCount(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	var content strings.Builder
	for content.Len() < 2000 {
		content.WriteString("This is a sentence about the deterministic chunking pipeline used by the semantic store. ")
	}
	doc := content.String()[:2000]

	r1, err := o.IngestFileContent(ctx, "beta", "docs/long.md", doc, semantic.ContentTypeDoc, "", nil)
	if err != nil {
		t.Fatalf("IngestFileContent (first): %v", err)
	}
	r2, err := o.IngestFileContent(ctx, "beta", "docs/long.md", doc, semantic.ContentTypeDoc, "", nil)
	if err != nil {
		t.Fatalf("IngestFileContent (second): %v", err)
	}
	if r1.DocumentID != r2.DocumentID {
		t.Fatalf("expected identical document_id, got %q vs %q", r1.DocumentID, r2.DocumentID)
	}
	if len(r1.ChunkIDs) != len(r2.ChunkIDs) {
		t.Fatalf("expected identical chunk count, got %d vs %d", len(r1.ChunkIDs), len(r2.ChunkIDs))
	}
	for i := range r1.ChunkIDs {
		if r1.ChunkIDs[i] != r2.ChunkIDs[i] {
			t.Fatalf("chunk_id mismatch at index %d: %q vs %q", i, r1.ChunkIDs[i], r2.ChunkIDs[i])
		}
	}

	sources, err := o.ListSources(ctx, "beta", "")
	if err != nil {
		t.Fatalf("ListSources: %v", err)
	}
	if len(sources) != 1 {
		t.Fatalf("expected exactly one source, got %d", len(sources))
	}
	if sources[0].ChunkCount != len(r1.ChunkIDs) {
		t.Fatalf("expected chunk_count %d, got %d", len(r1.ChunkIDs), sources[0].ChunkCount)
	}
}
