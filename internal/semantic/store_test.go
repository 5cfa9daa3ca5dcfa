package semantic

import (
	"context"
	"testing"

	"github.com/kittclouds/memtiers/internal/apperr"
	"github.com/kittclouds/memtiers/internal/embedding"
	"github.com/kittclouds/memtiers/internal/policy"
)

func testNow() func() int64 {
	var n int64 = 1_700_000_000_000
	return func() int64 { n += 1000; return n }
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	codeScanner, err := policy.CodeTokenScanner()
	if err != nil {
		t.Fatalf("CodeTokenScanner: %v", err)
	}
	s, err := Open(t.TempDir(), testNow(), Options{
		Embedder:    embedding.NewDeterministic(16),
		CodeScanner: codeScanner,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIngestAndListSources(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	content := "Paragraph one talks about setting up the database connection pool.\n\nParagraph two explains how retries are handled during transient errors."
	result, err := s.Ingest(ctx, "proj", "docs/setup.md", content, ContentTypeDoc, "", map[string]any{"filename": "setup.md"}, 80, 10)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(result.ChunkIDs) == 0 {
		t.Fatal("expected at least one chunk")
	}
	if result.ChunksWithEmbeddings == 0 {
		t.Error("expected chunks to have been embedded by the deterministic client")
	}

	sources, err := s.ListSources(ctx, "proj")
	if err != nil {
		t.Fatalf("ListSources: %v", err)
	}
	if len(sources) != 1 || sources[0].DocumentID != result.DocumentID {
		t.Fatalf("expected one source matching document id, got %+v", sources)
	}
}

func TestIngestDeterministicChunkIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	content := "A short paragraph that fits in one chunk."
	r1, err := s.Ingest(ctx, "proj", "a.txt", content, ContentTypeDoc, "", nil, 500, 50)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	r2, err := s.Ingest(ctx, "proj", "a.txt", content, ContentTypeDoc, "", nil, 500, 50)
	if err != nil {
		t.Fatalf("Ingest (again): %v", err)
	}
	if r1.DocumentID != r2.DocumentID {
		t.Fatalf("expected stable document_id, got %q then %q", r1.DocumentID, r2.DocumentID)
	}
	if len(r1.ChunkIDs) != len(r2.ChunkIDs) || r1.ChunkIDs[0] != r2.ChunkIDs[0] {
		t.Fatalf("expected identical chunk ids on re-ingest, got %v then %v", r1.ChunkIDs, r2.ChunkIDs)
	}
}

func TestIngestRejectsForbiddenKind(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Ingest(context.Background(), "proj", "a.txt", "content", ContentTypeDoc, "preference", nil, 500, 50)
	if !apperr.Is(err, apperr.KindForbiddenContent) {
		t.Fatalf("expected ForbiddenContentKind, got %v", err)
	}
}

func TestRetrieveRanksBySimilarity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Ingest(ctx, "proj", "docs/db.md", "Connection pooling reduces database overhead significantly.", ContentTypeDoc, "", map[string]any{"filename": "db.md"}, 500, 50); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if _, err := s.Ingest(ctx, "proj", "docs/cooking.md", "A recipe for baking sourdough bread at home.", ContentTypeDoc, "", map[string]any{"filename": "cooking.md"}, 500, 50); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	results, degraded, err := s.Retrieve(ctx, "proj", "Connection pooling reduces database overhead significantly.", 2, RetrieveFilters{}, true, RankingWeights{Similarity: 0.7, Metadata: 0.2, Recency: 0.1})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if degraded {
		t.Fatal("did not expect degraded result")
	}
	if len(results) == 0 {
		t.Fatal("expected at least one result")
	}
	if results[0].SourcePath != "docs/db.md" {
		t.Fatalf("expected the chunk identical to the query ranked first, got %+v", results)
	}
	if results[0].Citation == "" {
		t.Error("expected a non-empty citation")
	}
}

func TestValidTrigger(t *testing.T) {
	if !ValidTrigger("explicit_retrieval_request") {
		t.Error("expected explicit_retrieval_request to be valid")
	}
	if ValidTrigger("whenever_i_feel_like_it") {
		t.Error("expected arbitrary trigger to be invalid")
	}
}

func TestMetadataFilename(t *testing.T) {
	if got := metadataFilename(map[string]any{"filename": "README.md"}); got != "README.md" {
		t.Errorf("metadataFilename = %q, want %q", got, "README.md")
	}
	if got := metadataFilename(map[string]any{}); got != "" {
		t.Errorf("metadataFilename(empty) = %q, want empty", got)
	}
	if got := metadataFilename(nil); got != "" {
		t.Errorf("metadataFilename(nil) = %q, want empty", got)
	}
	// A non-string filename value (malformed metadata) should not panic
	// and should be treated as absent.
	if got := metadataFilename(map[string]any{"filename": 42}); got != "" {
		t.Errorf("metadataFilename(non-string) = %q, want empty", got)
	}
}

func TestRetrieveRanksByMetadataFilename(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Source paths deliberately carry no hint of "invoice"; only the
	// chunk metadata's filename does, so a metadata-relevance boost
	// can only come from matching metadata.filename (spec §4.4.3).
	if _, err := s.Ingest(ctx, "proj", "docs/a.md", "Quarterly summary of billing records.", ContentTypeDoc, "", map[string]any{"filename": "invoice.md"}, 500, 50); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if _, err := s.Ingest(ctx, "proj", "docs/b.md", "Quarterly summary of billing records.", ContentTypeDoc, "", map[string]any{"filename": "notes.md"}, 500, 50); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	results, _, err := s.Retrieve(ctx, "proj", "invoice", 2, RetrieveFilters{}, false, RankingWeights{Similarity: 0.0, Metadata: 1.0, Recency: 0.0})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one result")
	}
	if results[0].SourcePath != "docs/a.md" {
		t.Fatalf("expected the chunk whose metadata.filename matches the query ranked first, got %+v", results)
	}
}

func TestDeleteDocumentCascadesChunks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	result, err := s.Ingest(ctx, "proj", "a.txt", "Some content here that forms a single chunk.", ContentTypeDoc, "", nil, 500, 50)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if err := s.DeleteDocument(ctx, result.DocumentID); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}

	sources, err := s.ListSources(ctx, "proj")
	if err != nil {
		t.Fatalf("ListSources: %v", err)
	}
	if len(sources) != 0 {
		t.Fatalf("expected no sources after delete, got %+v", sources)
	}
}
