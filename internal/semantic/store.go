// Package semantic implements the Semantic Store: the lowest-authority
// tier of chunked document/code retrieval, with deterministic chunking,
// vector embeddings, content-policy admission, and multi-factor ranked
// retrieval (spec §4.4).
package semantic

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/kittclouds/memtiers/internal/apperr"
	"github.com/kittclouds/memtiers/internal/embedding"
	"github.com/kittclouds/memtiers/internal/policy"
)

// Document is the persisted document record (spec §3).
type Document struct {
	DocumentID  string
	ProjectID   string
	SourcePath  string
	ContentType ContentType
	IngestedAt  int64
	Metadata    map[string]any
	ChunkCount  int
}

// StoredChunk is a Chunk plus its persisted embedding state.
type StoredChunk struct {
	ChunkID        string
	DocumentID     string
	ProjectID      string
	ChunkIndex     int
	Content        string
	Embedding      []float32 // nil/empty when pending
	Metadata       map[string]any
}

// IngestResult is returned from Ingest (spec §4.4.2).
type IngestResult struct {
	DocumentID           string
	ChunkIDs             []string
	ChunksWithEmbeddings int
	ChunksPending        int
}

// RetrieveFilters narrows Retrieve's candidate set (spec §4.4.3).
type RetrieveFilters struct {
	ContentType       ContentType
	SourcePathContains string
	MetadataKey       string
	MetadataValue     string
}

// RetrievedChunk is one ranked result from Retrieve.
type RetrievedChunk struct {
	ChunkID       string
	Content       string
	SourcePath    string
	ChunkIndex    int
	Similarity    float64
	CombinedScore float64
	Citation      string
}

// RankingWeights are the combined-score weights from spec §4.4.3.
type RankingWeights struct {
	Similarity float64
	Metadata   float64
	Recency    float64
}

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	document_id  TEXT PRIMARY KEY,
	project_id   TEXT NOT NULL,
	source_path  TEXT NOT NULL,
	content_type TEXT NOT NULL,
	ingested_at  INTEGER NOT NULL,
	metadata     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_project ON documents(project_id);

CREATE TABLE IF NOT EXISTS chunks (
	chunk_id    TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	project_id  TEXT NOT NULL,
	chunk_index INTEGER NOT NULL,
	content     TEXT NOT NULL,
	embedding   BLOB,
	metadata    TEXT NOT NULL,
	ingested_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);
CREATE INDEX IF NOT EXISTS idx_chunks_project ON chunks(project_id);
`

// Store is the Semantic Store, one instance per project.
type Store struct {
	mu          sync.RWMutex
	db          *sql.DB
	now         func() int64
	embedder    embedding.Client
	cache       *EmbeddingCache
	codeScanner *policy.Scanner
}

// Options configure a Store.
type Options struct {
	Embedder    embedding.Client
	Cache       *EmbeddingCache
	CodeScanner *policy.Scanner // classifies query tokens as code-shaped, spec §4.4.3
}

// Open opens (or creates) semantic.db, holding the documents and chunks
// tables, under root.
func Open(root string, now func() int64, opts Options) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "semantic: creating root %q", root)
	}
	dsn := filepath.Join(root, "semantic.db")
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "semantic: opening %q", dsn)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "semantic: creating schema")
	}

	return &Store{
		db:          db,
		now:         now,
		embedder:    opts.Embedder,
		cache:       opts.Cache,
		codeScanner: opts.CodeScanner,
	}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache != nil {
		s.cache.Close()
	}
	return s.db.Close()
}

// Ingest runs the deterministic ingestion pipeline of spec §4.4.2.
func (s *Store) Ingest(ctx context.Context, projectID, sourcePath string, content string, contentType ContentType, metadataKind string, metadata map[string]any, chunkSize, chunkOverlap int) (*IngestResult, error) {
	if rejectedTier, ok := ClassifyAdmission(contentType, metadataKind); !ok {
		return nil, apperr.New(apperr.KindForbiddenContent,
			"content classified as %q belongs in the %s tier, not semantic", metadataKind, rejectedTierOrUnknown(rejectedTier))
	}

	documentID := DocumentID(projectID, sourcePath, contentType)
	chunks := ChunkContent(documentID, content, chunkSize, chunkOverlap)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "semantic: beginning transaction")
	}
	defer tx.Rollback()

	now := s.now()
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, apperr.New(apperr.KindValidationFailed, "metadata is not serializable: %v", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (document_id, project_id, source_path, content_type, ingested_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(document_id) DO UPDATE SET ingested_at = excluded.ingested_at, metadata = excluded.metadata
	`, documentID, projectID, sourcePath, string(contentType), now, string(metaJSON)); err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "semantic: upserting document")
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "semantic: clearing previous chunks")
	}

	result := &IngestResult{DocumentID: documentID}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	vectors := make([][]float32, len(chunks))
	if s.embedder != nil && len(texts) > 0 {
		vectors = s.embedMany(ctx, texts)
	}

	for i, c := range chunks {
		vec := vectors[i]
		var embBlob []byte
		if len(vec) > 0 {
			embBlob = serializeFloat32(vec)
			result.ChunksWithEmbeddings++
		} else {
			result.ChunksPending++
		}

		chunkMeta, _ := json.Marshal(metadata)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chunks (chunk_id, document_id, project_id, chunk_index, content, embedding, metadata, ingested_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, c.ChunkID, documentID, projectID, c.ChunkIndex, c.Content, embBlob, string(chunkMeta), now); err != nil {
			return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "semantic: inserting chunk")
		}
		result.ChunkIDs = append(result.ChunkIDs, c.ChunkID)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "semantic: committing ingest")
	}
	return result, nil
}

func rejectedTierOrUnknown(tier string) string {
	if tier == "" {
		return "unknown"
	}
	return tier
}

// embedMany calls the embedder for any text not already cached, never
// failing the whole ingest for one embedding failure (spec §4.4.2 step
// 4): on an embedder error every chunk in this call is left pending.
func (s *Store) embedMany(ctx context.Context, texts []string) [][]float32 {
	out := make([][]float32, len(texts))
	var toEmbed []string
	var toEmbedIdx []int

	for i, t := range texts {
		if s.cache != nil {
			if v, ok := s.cache.Get(t); ok {
				out[i] = v
				continue
			}
		}
		toEmbed = append(toEmbed, t)
		toEmbedIdx = append(toEmbedIdx, i)
	}
	if len(toEmbed) == 0 {
		return out
	}

	vecs, err := s.embedder.Embed(ctx, toEmbed)
	if err != nil {
		return out // all remain nil/pending; per-chunk warning is the caller's concern
	}
	for j, idx := range toEmbedIdx {
		if j >= len(vecs) {
			break
		}
		out[idx] = vecs[j]
		if s.cache != nil && len(vecs[j]) > 0 {
			s.cache.Set(toEmbed[j], vecs[j])
		}
	}
	return out
}

var validTriggers = map[string]bool{
	"external_info_needed":          true,
	"symbolic_memory_insufficient":  true,
	"episodic_suggests_retrieval":   true,
	"explicit_retrieval_request":    true,
}

// ValidTrigger reports whether trigger is one of the four admitted
// retrieval triggers (spec §4.4.3: "Retrieval is never automatic").
func ValidTrigger(trigger string) bool {
	return validTriggers[trigger]
}

// Retrieve runs the ranked retrieval pipeline of spec §4.4.3. It takes
// no trigger: the caller MUST validate it first (the Context
// Orchestrator owns InvalidTrigger rejection so it can apply uniformly
// across tiers), and Retrieve itself performs no trigger check.
func (s *Store) Retrieve(ctx context.Context, projectID, query string, topK int, filters RetrieveFilters, includeRecency bool, weights RankingWeights) ([]RetrievedChunk, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.embedder == nil {
		return nil, true, nil
	}

	queryVecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil || len(queryVecs) == 0 || len(queryVecs[0]) == 0 {
		return nil, true, nil
	}
	queryVec := queryVecs[0]

	q := `SELECT chunk_id, document_id, chunk_index, content, embedding, metadata
	      FROM chunks WHERE project_id = ?`
	args := []any{projectID}
	if filters.ContentType != "" {
		q += ` AND document_id IN (SELECT document_id FROM documents WHERE content_type = ?)`
		args = append(args, string(filters.ContentType))
	}
	if filters.SourcePathContains != "" {
		q += ` AND document_id IN (SELECT document_id FROM documents WHERE source_path LIKE ?)`
		args = append(args, "%"+filters.SourcePathContains+"%")
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, false, apperr.Wrap(apperr.KindStoreUnavailable, err, "semantic: querying chunks")
	}
	defer rows.Close()

	type candidate struct {
		chunkID, documentID, content string
		chunkIndex                   int
		embedding                    []float32
		metadata                     map[string]any
	}
	var candidates []candidate
	sourcePaths := map[string]string{}
	contentTypes := map[string]ContentType{}
	ingestedAts := map[string]int64{}

	for rows.Next() {
		var chunkID, documentID, content string
		var chunkIndex int
		var embBlob []byte
		var metaJSON string
		if err := rows.Scan(&chunkID, &documentID, &chunkIndex, &content, &embBlob, &metaJSON); err != nil {
			return nil, false, fmt.Errorf("semantic: scanning chunk row: %w", err)
		}
		if len(embBlob) == 0 {
			continue // pending embeddings are skipped in similarity step
		}
		var meta map[string]any
		json.Unmarshal([]byte(metaJSON), &meta)
		if filters.MetadataKey != "" {
			v, ok := meta[filters.MetadataKey]
			if !ok || fmt.Sprint(v) != filters.MetadataValue {
				continue
			}
		}
		candidates = append(candidates, candidate{
			chunkID: chunkID, documentID: documentID, content: content,
			chunkIndex: chunkIndex, embedding: deserializeFloat32(embBlob), metadata: meta,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("semantic: iterating chunk rows: %w", err)
	}

	if len(candidates) == 0 {
		return nil, false, nil
	}

	docIDs := make([]string, 0, len(candidates))
	seen := map[string]bool{}
	for _, c := range candidates {
		if !seen[c.documentID] {
			seen[c.documentID] = true
			docIDs = append(docIDs, c.documentID)
		}
	}
	for _, docID := range docIDs {
		var sourcePath, contentType string
		var ingestedAt int64
		row := s.db.QueryRowContext(ctx, `SELECT source_path, content_type, ingested_at FROM documents WHERE document_id = ?`, docID)
		if err := row.Scan(&sourcePath, &contentType, &ingestedAt); err == nil {
			sourcePaths[docID] = sourcePath
			contentTypes[docID] = ContentType(contentType)
			ingestedAts[docID] = ingestedAt
		}
	}

	queryIsCode := s.codeScanner.ContainsAny(query)
	queryWords := policy.ContentWords(query)
	now := s.now()

	type scored struct {
		RetrievedChunk
		chunkIndex int
	}
	var results []scored
	for _, c := range candidates {
		similarity := cosineSimilarity(queryVec, c.embedding)

		metaRelevance := 0.0
		sourcePath := sourcePaths[c.documentID]
		ct := contentTypes[c.documentID]
		if (queryIsCode && ct == ContentTypeCode) || (!queryIsCode && ct != ContentTypeCode) {
			metaRelevance += 0.5
		}
		lowerSource := strings.ToLower(sourcePath)
		lowerFilename := strings.ToLower(metadataFilename(c.metadata))
		for _, w := range queryWords {
			if strings.Contains(lowerSource, w) || (lowerFilename != "" && strings.Contains(lowerFilename, w)) {
				metaRelevance += 0.5
				break
			}
		}
		if metaRelevance > 1.0 {
			metaRelevance = 1.0
		}

		recencyBoost := 0.0
		if includeRecency {
			recencyBoost = recencyBoostFor(now, ingestedAts[c.documentID])
		}

		combined := weights.Similarity*similarity + weights.Metadata*metaRelevance + weights.Recency*recencyBoost

		results = append(results, scored{
			RetrievedChunk: RetrievedChunk{
				ChunkID:       c.chunkID,
				Content:       c.content,
				SourcePath:    sourcePath,
				ChunkIndex:    c.chunkIndex,
				Similarity:    similarity,
				CombinedScore: combined,
				Citation:      fmt.Sprintf("[%s:%d]", sourcePath, c.chunkIndex),
			},
			chunkIndex: c.chunkIndex,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].CombinedScore != results[j].CombinedScore {
			return results[i].CombinedScore > results[j].CombinedScore
		}
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		if results[i].chunkIndex != results[j].chunkIndex {
			return results[i].chunkIndex < results[j].chunkIndex
		}
		return results[i].ChunkID < results[j].ChunkID
	})

	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}

	out := make([]RetrievedChunk, len(results))
	for i, r := range results {
		out[i] = r.RetrievedChunk
	}
	return out, false, nil
}

// metadataFilename extracts metadata["filename"] as a string, the field
// spec §4.4.3's ranking formula names explicitly ("+0.5 if any query
// term occurs in source_path or metadata.filename").
func metadataFilename(meta map[string]any) string {
	v, ok := meta["filename"]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// recencyBoostFor implements spec §4.4.3's recency curve: 1.0 under 7
// days, linear decay to 0 at 30 days, 0 beyond.
func recencyBoostFor(nowMillis, ingestedAtMillis int64) float64 {
	age := time.Duration(nowMillis-ingestedAtMillis) * time.Millisecond
	const day = 24 * time.Hour
	switch {
	case age < 7*day:
		return 1.0
	case age >= 30*day:
		return 0.0
	default:
		return 1.0 - float64(age-7*day)/float64(23*day)
	}
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		af, bf := float64(a[i]), float64(b[i])
		dot += af * bf
		na += af * af
		nb += bf * bf
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// serializeFloat32 encodes a vector as little-endian float32 bytes, the
// blob format the embedding column is stored as.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func deserializeFloat32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// DeleteDocument removes a document and cascades to its chunks (spec
// §3: "A Document exclusively owns its Chunks (cascade delete)").
func (s *Store) DeleteDocument(ctx context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.KindStoreUnavailable, err, "semantic: beginning transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
		return apperr.Wrap(apperr.KindStoreUnavailable, err, "semantic: deleting chunks for %q", documentID)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE document_id = ?`, documentID)
	if err != nil {
		return apperr.Wrap(apperr.KindStoreUnavailable, err, "semantic: deleting document %q", documentID)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.New(apperr.KindNotFound, "document %q not found", documentID)
	}
	return tx.Commit()
}

// ListSources returns every document in a project.
func (s *Store) ListSources(ctx context.Context, projectID string) ([]*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT d.document_id, d.project_id, d.source_path, d.content_type, d.ingested_at, d.metadata,
		       (SELECT COUNT(*) FROM chunks c WHERE c.document_id = d.document_id) AS chunk_count
		FROM documents d WHERE d.project_id = ? ORDER BY d.ingested_at DESC
	`, projectID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "semantic: listing sources")
	}
	defer rows.Close()

	var out []*Document
	for rows.Next() {
		var d Document
		var contentType, metaJSON string
		if err := rows.Scan(&d.DocumentID, &d.ProjectID, &d.SourcePath, &contentType, &d.IngestedAt, &metaJSON, &d.ChunkCount); err != nil {
			return nil, fmt.Errorf("semantic: scanning document row: %w", err)
		}
		d.ContentType = ContentType(contentType)
		json.Unmarshal([]byte(metaJSON), &d.Metadata)
		out = append(out, &d)
	}
	return out, rows.Err()
}
