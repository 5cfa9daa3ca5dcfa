// Package registry implements the Project Registry: it assigns stable
// project identifiers of the form name-shortUUID and maps them to an
// on-disk project root directory (spec §4.1).
package registry

import (
	"context"
	"database/sql"
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

// Status is a project's lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusDeleted  Status = "deleted"
)

// projectIDRe validates project_id and free-form names per spec §3.
// The source's old VALID_SCOPES fixed-set model is deliberately not
// resurrected here (spec §9 open question).
var projectIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,150}$`)

// Project is the persisted project record (spec §3).
type Project struct {
	ProjectID string
	Name      string
	CreatedAt int64
	Status    Status
	RootDir   string
}

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	project_id TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	status     TEXT NOT NULL,
	root_dir   TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_projects_name ON projects(name);
`

// Registry is the Project Registry (spec §4.1).
type Registry struct {
	dataRoot string

	mu sync.Mutex // protects db + serializes first-time resolution
	db *sql.DB

	// nameLocks serializes concurrent first-resolutions of the *same*
	// name without contending across different names.
	nameLocks   map[string]*sync.Mutex
	nameLocksMu sync.Mutex

	now func() int64
}

// Open opens (or creates) the registry database at dataRoot/registry.db.
func Open(dataRoot string, now func() int64) (*Registry, error) {
	if err := os.MkdirAll(dataRoot, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "registry: creating data root %q", dataRoot)
	}

	dsn := filepath.Join(dataRoot, "registry.db")
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "registry: opening %q", dsn)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "registry: creating schema")
	}

	return &Registry{
		dataRoot:  dataRoot,
		db:        db,
		nameLocks: make(map[string]*sync.Mutex),
		now:       now,
	}, nil
}

func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.db.Close()
}

func (r *Registry) lockFor(name string) *sync.Mutex {
	r.nameLocksMu.Lock()
	defer r.nameLocksMu.Unlock()
	l, ok := r.nameLocks[name]
	if !ok {
		l = &sync.Mutex{}
		r.nameLocks[name] = l
	}
	return l
}

// Resolve returns the project_id for nameOrID, creating a new project if
// nameOrID does not match an existing project_id or name (spec §4.1).
// Concurrent first-time resolutions of the same name are serialized so
// exactly one project is created.
func (r *Registry) Resolve(ctx context.Context, nameOrID string) (*Project, error) {
	if !projectIDRe.MatchString(nameOrID) {
		return nil, apperr.New(apperr.KindInvalidProjectID, "project identifier %q does not match required pattern", nameOrID)
	}

	if p, err := r.lookup(ctx, nameOrID); err != nil {
		return nil, err
	} else if p != nil {
		return p, nil
	}

	lock := r.lockFor(nameOrID)
	lock.Lock()
	defer lock.Unlock()

	// Re-check under the name lock: another goroutine may have just created it.
	if p, err := r.lookup(ctx, nameOrID); err != nil {
		return nil, err
	} else if p != nil {
		return p, nil
	}

	projectID := nameOrID + "-" + shortUUID()
	root := filepath.Join(r.dataRoot, projectID)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "registry: creating project root %q", root)
	}

	p := &Project{
		ProjectID: projectID,
		Name:      nameOrID,
		CreatedAt: r.now(),
		Status:    StatusActive,
		RootDir:   root,
	}

	r.mu.Lock()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO projects (project_id, name, created_at, status, root_dir)
		VALUES (?, ?, ?, ?, ?)
	`, p.ProjectID, p.Name, p.CreatedAt, string(p.Status), p.RootDir)
	r.mu.Unlock()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "registry: inserting project %q", projectID)
	}

	return p, nil
}

// lookup finds an existing project by project_id or name. Returns (nil, nil)
// when absent.
func (r *Registry) lookup(ctx context.Context, nameOrID string) (*Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	row := r.db.QueryRowContext(ctx, `
		SELECT project_id, name, created_at, status, root_dir
		FROM projects WHERE project_id = ? OR name = ?
		ORDER BY created_at ASC LIMIT 1
	`, nameOrID, nameOrID)

	var p Project
	var status string
	err := row.Scan(&p.ProjectID, &p.Name, &p.CreatedAt, &status, &p.RootDir)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "registry: looking up %q", nameOrID)
	}
	p.Status = Status(status)
	return &p, nil
}

// GetRoot returns the root directory for an already-resolved project_id.
func (r *Registry) GetRoot(ctx context.Context, projectID string) (string, error) {
	p, err := r.lookup(ctx, projectID)
	if err != nil {
		return "", err
	}
	if p == nil {
		return "", apperr.New(apperr.KindNotFound, "project %q not found", projectID)
	}
	return p.RootDir, nil
}

// List returns all projects, optionally filtered by status.
func (r *Registry) List(ctx context.Context, statusFilter Status) ([]*Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	query := `SELECT project_id, name, created_at, status, root_dir FROM projects`
	args := []any{}
	if statusFilter != "" {
		query += ` WHERE status = ?`
		args = append(args, string(statusFilter))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "registry: listing projects")
	}
	defer rows.Close()

	var out []*Project
	for rows.Next() {
		var p Project
		var status string
		if err := rows.Scan(&p.ProjectID, &p.Name, &p.CreatedAt, &status, &p.RootDir); err != nil {
			return nil, fmt.Errorf("registry: scanning project row: %w", err)
		}
		p.Status = Status(status)
		out = append(out, &p)
	}
	return out, rows.Err()
}

func shortUUID() string {
	return uuid.New().String()[:8]
}
