// Package episodic implements the Episodic Store: the advisory lesson
// tier, never authoritative, with abstraction validation and
// confidence-ordered retrieval (spec §4.3).
package episodic

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/google/uuid"

	"github.com/kittclouds/memtiers/internal/apperr"
	"github.com/kittclouds/memtiers/internal/policy"
)

const maxLessonLen = 1000
const abstractionOverlapCeiling = 0.70

// Episode is the persisted advisory lesson record (spec §3).
type Episode struct {
	ID         string
	ProjectID  string
	Situation  string
	Action     string
	Outcome    string
	Lesson     string
	Confidence float64
	CreatedAt  int64
}

const schema = `
CREATE TABLE IF NOT EXISTS episodes (
	id          TEXT PRIMARY KEY,
	project_id  TEXT NOT NULL,
	situation   TEXT NOT NULL,
	action      TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	lesson      TEXT NOT NULL,
	confidence  REAL NOT NULL,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_episodes_project ON episodes(project_id);
CREATE INDEX IF NOT EXISTS idx_episodes_project_created ON episodes(project_id, created_at);
`

// Store is the Episodic Store, one instance per project.
type Store struct {
	mu  sync.RWMutex
	db  *sql.DB
	now func() int64

	chatMarkers *policy.Scanner
}

// Open opens (or creates) an episodes.db under root. chatMarkers is the
// compiled Aho-Corasick scanner for raw chat transcript markers,
// constructed once at Engine startup and shared across stores.
func Open(root string, now func() int64, chatMarkers *policy.Scanner) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "episodic: creating root %q", root)
	}
	dsn := filepath.Join(root, "episodes.db")
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "episodic: opening %q", dsn)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "episodic: creating schema")
	}
	return &Store{db: db, now: now, chatMarkers: chatMarkers}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// validate enforces the abstraction invariants of spec §4.3.
func (s *Store) validate(e *Episode) error {
	if e.Situation == "" || e.Action == "" || e.Outcome == "" || e.Lesson == "" {
		return apperr.New(apperr.KindValidationFailed, "situation, action, outcome, and lesson are all required")
	}
	if len(e.Lesson) > maxLessonLen {
		return apperr.New(apperr.KindValidationFailed, "lesson exceeds %d characters", maxLessonLen)
	}
	if policy.LooksLikePath(e.Lesson) {
		return apperr.New(apperr.KindValidationFailed, "lesson appears to contain a raw file path")
	}
	if s.chatMarkers.ContainsAny(e.Lesson) {
		return apperr.New(apperr.KindValidationFailed, "lesson appears to contain a raw chat transcript marker")
	}
	if ratio := policy.WordOverlapRatio(e.Lesson, e.Situation); ratio >= abstractionOverlapCeiling {
		return apperr.New(apperr.KindValidationFailed,
			"lesson and situation share %.0f%% of their words; lessons must be abstracted, not restated", ratio*100)
	}
	if e.Confidence < 0 {
		e.Confidence = 0
	}
	if e.Confidence > 1 {
		e.Confidence = 1
	}
	return nil
}

// Store validates and persists a new episode.
func (s *Store) Store(ctx context.Context, e *Episode) (*Episode, error) {
	if err := s.validate(e); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = s.now()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO episodes (id, project_id, situation, action, outcome, lesson, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.ProjectID, e.Situation, e.Action, e.Outcome, e.Lesson, e.Confidence, e.CreatedAt)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "episodic: inserting episode")
	}
	return e, nil
}

// Get fetches a single episode by id.
func (s *Store) Get(ctx context.Context, id string) (*Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, situation, action, outcome, lesson, confidence, created_at
		FROM episodes WHERE id = ?
	`, id)
	e, err := scanEpisode(row)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.KindNotFound, "episode %q not found", id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "episodic: getting episode %q", id)
	}
	return e, nil
}

// Delete removes an episode. Episodes are hard-deletable (spec §3).
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM episodes WHERE id = ?`, id)
	if err != nil {
		return apperr.Wrap(apperr.KindStoreUnavailable, err, "episodic: deleting episode %q", id)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.New(apperr.KindNotFound, "episode %q not found", id)
	}
	return nil
}

// QueryFilters narrows Query results (spec §4.3).
type QueryFilters struct {
	LessonContains    string
	SituationContains string
	MinConfidence     float64
	Limit             int
}

// Query filters by project_id (always required) plus optional filters,
// ordered confidence DESC, created_at DESC.
func (s *Store) Query(ctx context.Context, projectID string, filters QueryFilters) ([]*Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := `SELECT id, project_id, situation, action, outcome, lesson, confidence, created_at
	      FROM episodes WHERE project_id = ?`
	args := []any{projectID}

	if filters.LessonContains != "" {
		q += ` AND lesson LIKE ? COLLATE NOCASE`
		args = append(args, "%"+filters.LessonContains+"%")
	}
	if filters.SituationContains != "" {
		q += ` AND situation LIKE ? COLLATE NOCASE`
		args = append(args, "%"+filters.SituationContains+"%")
	}
	if filters.MinConfidence > 0 {
		q += ` AND confidence >= ?`
		args = append(args, filters.MinConfidence)
	}
	q += ` ORDER BY confidence DESC, created_at DESC`
	if filters.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, filters.Limit)
	}

	return scanEpisodes(s.db.QueryContext(ctx, q, args...))
}

// QueryFullText scans lesson and situation for a case-insensitive
// substring match.
func (s *Store) QueryFullText(ctx context.Context, projectID, queryStr string) ([]*Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	like := "%" + queryStr + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, situation, action, outcome, lesson, confidence, created_at
		FROM episodes
		WHERE project_id = ? AND (lesson LIKE ? COLLATE NOCASE OR situation LIKE ? COLLATE NOCASE)
		ORDER BY confidence DESC, created_at DESC
	`, projectID, like, like)
	return scanEpisodes(rows, err)
}

// ListRecent returns episodes created since a timestamp with at least
// min confidence, newest first.
func (s *Store) ListRecent(ctx context.Context, projectID string, since int64, minConfidence float64) ([]*Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, situation, action, outcome, lesson, confidence, created_at
		FROM episodes
		WHERE project_id = ? AND created_at >= ? AND confidence >= ?
		ORDER BY created_at DESC
	`, projectID, since, minConfidence)
	return scanEpisodes(rows, err)
}

// Cleanup deletes episodes older than a timestamp with confidence at or
// below maxConfidence. This is an explicit operation; the store never
// auto-evicts (spec §4.3).
func (s *Store) Cleanup(ctx context.Context, olderThan int64, maxConfidence float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM episodes WHERE created_at < ? AND confidence <= ?
	`, olderThan, maxConfidence)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindStoreUnavailable, err, "episodic: cleanup")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEpisode(r rowScanner) (*Episode, error) {
	var e Episode
	if err := r.Scan(&e.ID, &e.ProjectID, &e.Situation, &e.Action, &e.Outcome, &e.Lesson, &e.Confidence, &e.CreatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func scanEpisodes(rows *sql.Rows, err error) ([]*Episode, error) {
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "episodic: querying episodes")
	}
	defer rows.Close()

	var out []*Episode
	for rows.Next() {
		e, err := scanEpisode(rows)
		if err != nil {
			return nil, fmt.Errorf("episodic: scanning episode row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
