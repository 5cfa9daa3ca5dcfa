// Package symbolic implements the Symbolic Store: the authoritative
// key/value fact tier with confidence-based conflict resolution and an
// append-only audit log (spec §4.2).
package symbolic

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/google/uuid"

	"github.com/kittclouds/memtiers/internal/apperr"
)

type Category string

const (
	CategoryPreference Category = "preference"
	CategoryConstraint Category = "constraint"
	CategoryDecision   Category = "decision"
	CategoryFact       Category = "fact"
)

type Source string

const (
	SourceUser  Source = "user"
	SourceAgent Source = "agent"
	SourceTool  Source = "tool"
)

type Status string

const (
	StatusActive     Status = "active"
	StatusSuperseded Status = "superseded"
	StatusDeleted    Status = "deleted"
)

var validCategories = map[Category]bool{
	CategoryPreference: true, CategoryConstraint: true,
	CategoryDecision: true, CategoryFact: true,
}

var validSources = map[Source]bool{SourceUser: true, SourceAgent: true, SourceTool: true}

var keyRe = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

// Fact is the persisted symbolic fact record (spec §3).
type Fact struct {
	ID        string
	ProjectID string
	Category  Category
	Key       string
	Value     json.RawMessage
	Confidence float64
	Source    Source
	CreatedAt int64
	UpdatedAt int64
	Status    Status
}

// AuditEntry is an append-only record of a mutation (spec §3).
type AuditEntry struct {
	FactID    string
	Operation string // insert, update, delete
	OldValue  json.RawMessage
	NewValue  json.RawMessage
	Actor     string
	Timestamp int64
}

// QueryFilters narrows List/Query results.
type QueryFilters struct {
	Category *Category
	Source   *Source
	Status   *Status
	Limit    int
}

const schema = `
CREATE TABLE IF NOT EXISTS facts (
	id         TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	category   TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	confidence REAL NOT NULL,
	source     TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	status     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_facts_project_key ON facts(project_id, key);
CREATE INDEX IF NOT EXISTS idx_facts_project_status ON facts(project_id, status);

CREATE TABLE IF NOT EXISTS audit (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	fact_id    TEXT NOT NULL,
	operation  TEXT NOT NULL,
	old_value  TEXT,
	new_value  TEXT,
	actor      TEXT NOT NULL,
	timestamp  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_fact ON audit(fact_id);
`

// Store is the Symbolic Store, one instance per project.
type Store struct {
	mu  sync.RWMutex
	db  *sql.DB
	now func() int64
}

// Open opens (or creates) a facts.db under root.
func Open(root string, now func() int64) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "symbolic: creating root %q", root)
	}
	dsn := filepath.Join(root, "facts.db")
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "symbolic: opening %q", dsn)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "symbolic: creating schema")
	}
	return &Store{db: db, now: now}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// validate checks a candidate fact against spec §4.2's validation rules.
// project_id pattern validation is the registry's responsibility; the
// store only validates the fields it owns.
func validate(f *Fact) error {
	if !validCategories[f.Category] {
		return apperr.New(apperr.KindValidationFailed, "category %q is not a recognized category", f.Category)
	}
	if !validSources[f.Source] {
		return apperr.New(apperr.KindValidationFailed, "source %q is not a recognized source", f.Source)
	}
	if f.Confidence < 0 || f.Confidence > 1 {
		return apperr.New(apperr.KindValidationFailed, "confidence %f out of range [0,1]", f.Confidence)
	}
	if f.Key == "" || len(f.Key) > 256 {
		return apperr.New(apperr.KindValidationFailed, "key must be non-empty and at most 256 chars")
	}
	if !keyRe.MatchString(f.Key) {
		return apperr.New(apperr.KindValidationFailed, "key %q does not match required pattern", f.Key)
	}
	if !json.Valid(f.Value) {
		return apperr.New(apperr.KindValidationFailed, "value is not valid JSON")
	}
	return nil
}

// Store upserts a fact by (project_id, key), applying confidence-based
// conflict resolution against any existing active fact (spec §4.2).
func (s *Store) Store(ctx context.Context, f *Fact) (*Fact, error) {
	if err := validate(f); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "symbolic: beginning transaction")
	}
	defer tx.Rollback()

	existing, err := queryActiveByKeyTx(ctx, tx, f.ProjectID, f.Key)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "symbolic: checking existing fact")
	}

	now := s.now()
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.CreatedAt = now
	f.UpdatedAt = now
	f.Status = StatusActive

	if existing != nil {
		switch {
		case f.Confidence > existing.Confidence:
			// incoming wins outright
		case f.Confidence == existing.Confidence:
			if existing.UpdatedAt > f.UpdatedAt {
				// existing is strictly newer: existing wins and incoming is
				// rejected with LowerConfidence. f.UpdatedAt was just set to
				// now, so this fires only when the stored updated_at lies
				// ahead of the store's clock.
				return nil, apperr.New(apperr.KindLowerConfidence,
					"existing fact for key %q has an equal confidence and a more recent update", f.Key)
			}
			// tie on confidence and recency (or incoming is newer): incoming wins
		default:
			return nil, apperr.New(apperr.KindLowerConfidence,
				"existing fact for key %q has higher confidence (%f > %f)", f.Key, existing.Confidence, f.Confidence)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE facts SET status = ? WHERE id = ?`, string(StatusSuperseded), existing.ID); err != nil {
			return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "symbolic: superseding fact %q", existing.ID)
		}
		if err := writeAuditTx(ctx, tx, existing.ID, "update", existing.Value, nil, string(f.Source), now); err != nil {
			return nil, err
		}
	}

	if err := insertFactTx(ctx, tx, f); err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "symbolic: inserting fact")
	}
	if err := writeAuditTx(ctx, tx, f.ID, "insert", nil, f.Value, string(f.Source), now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "symbolic: committing")
	}
	return f, nil
}

// Update modifies an existing fact's mutable fields, auditing the change.
func (s *Store) Update(ctx context.Context, id string, value json.RawMessage, confidence *float64, actor string) (*Fact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "symbolic: beginning transaction")
	}
	defer tx.Rollback()

	existing, err := getByIDTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, apperr.New(apperr.KindNotFound, "fact %q not found", id)
	}

	old := existing.Value
	if value != nil {
		if !json.Valid(value) {
			return nil, apperr.New(apperr.KindValidationFailed, "value is not valid JSON")
		}
		existing.Value = value
	}
	if confidence != nil {
		if *confidence < 0 || *confidence > 1 {
			return nil, apperr.New(apperr.KindValidationFailed, "confidence %f out of range [0,1]", *confidence)
		}
		existing.Confidence = *confidence
	}
	existing.UpdatedAt = s.now()

	if _, err := tx.ExecContext(ctx, `
		UPDATE facts SET value = ?, confidence = ?, updated_at = ? WHERE id = ?
	`, string(existing.Value), existing.Confidence, existing.UpdatedAt, existing.ID); err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "symbolic: updating fact %q", id)
	}
	if err := writeAuditTx(ctx, tx, existing.ID, "update", old, existing.Value, actor, existing.UpdatedAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "symbolic: committing")
	}
	return existing, nil
}

// Delete hard-deletes a fact, auditing the removal.
func (s *Store) Delete(ctx context.Context, id, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.KindStoreUnavailable, err, "symbolic: beginning transaction")
	}
	defer tx.Rollback()

	existing, err := getByIDTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return apperr.New(apperr.KindNotFound, "fact %q not found", id)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM facts WHERE id = ?`, id); err != nil {
		return apperr.Wrap(apperr.KindStoreUnavailable, err, "symbolic: deleting fact %q", id)
	}
	if err := writeAuditTx(ctx, tx, id, "delete", existing.Value, nil, actor, s.now()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.KindStoreUnavailable, err, "symbolic: committing delete of %q", id)
	}
	return nil
}

// Get fetches a single fact by id.
func (s *Store) Get(ctx context.Context, id string) (*Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, err := getByIDConn(ctx, s.db, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "symbolic: getting fact %q", id)
	}
	if f == nil {
		return nil, apperr.New(apperr.KindNotFound, "fact %q not found", id)
	}
	return f, nil
}

// Query lists facts for a project matching filters, ordered
// confidence DESC, updated_at DESC (spec §4.2).
func (s *Store) Query(ctx context.Context, projectID string, filters QueryFilters) ([]*Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := `SELECT id, project_id, category, key, value, confidence, source, created_at, updated_at, status
	      FROM facts WHERE project_id = ?`
	args := []any{projectID}
	if filters.Category != nil {
		q += ` AND category = ?`
		args = append(args, string(*filters.Category))
	}
	if filters.Source != nil {
		q += ` AND source = ?`
		args = append(args, string(*filters.Source))
	}
	if filters.Status != nil {
		q += ` AND status = ?`
		args = append(args, string(*filters.Status))
	}
	q += ` ORDER BY confidence DESC, updated_at DESC`
	if filters.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, filters.Limit)
	}

	return scanFacts(s.db.QueryContext(ctx, q, args...))
}

// QueryFullText scans key and the JSON-serialized value for a case
// insensitive substring match (spec §4.2).
func (s *Store) QueryFullText(ctx context.Context, projectID, queryStr string) ([]*Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	like := "%" + queryStr + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, category, key, value, confidence, source, created_at, updated_at, status
		FROM facts
		WHERE project_id = ? AND (key LIKE ? ESCAPE '\' COLLATE NOCASE OR value LIKE ? ESCAPE '\' COLLATE NOCASE)
		ORDER BY confidence DESC, updated_at DESC
	`, projectID, like, like)
	return scanFacts(rows, err)
}

// List returns every fact for a project (all statuses), same ordering as Query.
func (s *Store) List(ctx context.Context, projectID string) ([]*Fact, error) {
	return s.Query(ctx, projectID, QueryFilters{})
}

// AuditLog returns the audit trail for a fact, oldest first.
func (s *Store) AuditLog(ctx context.Context, factID string) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT fact_id, operation, old_value, new_value, actor, timestamp
		FROM audit WHERE fact_id = ? ORDER BY seq ASC
	`, factID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "symbolic: reading audit log for %q", factID)
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var old, newV sql.NullString
		if err := rows.Scan(&e.FactID, &e.Operation, &old, &newV, &e.Actor, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("symbolic: scanning audit row: %w", err)
		}
		if old.Valid {
			e.OldValue = json.RawMessage(old.String)
		}
		if newV.Valid {
			e.NewValue = json.RawMessage(newV.String)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func scanFacts(rows *sql.Rows, err error) ([]*Fact, error) {
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "symbolic: querying facts")
	}
	defer rows.Close()

	var out []*Fact
	for rows.Next() {
		f, err := scanFactRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFactRow(r rowScanner) (*Fact, error) {
	var f Fact
	var value string
	var category, source, status string
	if err := r.Scan(&f.ID, &f.ProjectID, &category, &f.Key, &value, &f.Confidence, &source, &f.CreatedAt, &f.UpdatedAt, &status); err != nil {
		return nil, fmt.Errorf("symbolic: scanning fact row: %w", err)
	}
	f.Category = Category(category)
	f.Source = Source(source)
	f.Status = Status(status)
	f.Value = json.RawMessage(value)
	return &f, nil
}

func queryActiveByKeyTx(ctx context.Context, tx *sql.Tx, projectID, key string) (*Fact, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, project_id, category, key, value, confidence, source, created_at, updated_at, status
		FROM facts WHERE project_id = ? AND key = ? AND status = ?
	`, projectID, key, string(StatusActive))
	f, err := scanFactRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func getByIDTx(ctx context.Context, tx *sql.Tx, id string) (*Fact, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, project_id, category, key, value, confidence, source, created_at, updated_at, status
		FROM facts WHERE id = ?
	`, id)
	f, err := scanFactRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "symbolic: looking up fact %q", id)
	}
	return f, nil
}

func getByIDConn(ctx context.Context, db *sql.DB, id string) (*Fact, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, project_id, category, key, value, confidence, source, created_at, updated_at, status
		FROM facts WHERE id = ?
	`, id)
	f, err := scanFactRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return f, err
}

func insertFactTx(ctx context.Context, tx *sql.Tx, f *Fact) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO facts (id, project_id, category, key, value, confidence, source, created_at, updated_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.ProjectID, string(f.Category), f.Key, string(f.Value), f.Confidence, string(f.Source), f.CreatedAt, f.UpdatedAt, string(f.Status))
	return err
}

func writeAuditTx(ctx context.Context, tx *sql.Tx, factID, operation string, oldValue, newValue json.RawMessage, actor string, ts int64) error {
	var oldArg, newArg any
	if oldValue != nil {
		oldArg = string(oldValue)
	}
	if newValue != nil {
		newArg = string(newValue)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO audit (fact_id, operation, old_value, new_value, actor, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, factID, operation, oldArg, newArg, actor, ts)
	if err != nil {
		return apperr.Wrap(apperr.KindStoreUnavailable, err, "symbolic: writing audit entry for %q", factID)
	}
	return nil
}
