package registry

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
)

func testNow() func() int64 {
	var n int64 = 1000
	return func() int64 { n++; return n }
}

func TestResolveCreatesProject(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir, testNow())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	ctx := context.Background()
	p, err := r.Resolve(ctx, "my-project")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.Name != "my-project" {
		t.Errorf("Name = %q, want my-project", p.Name)
	}
	if p.ProjectID == "my-project" {
		t.Errorf("expected project_id to be suffixed with a short uuid, got %q", p.ProjectID)
	}
	if p.RootDir != filepath.Join(dir, p.ProjectID) {
		t.Errorf("RootDir = %q", p.RootDir)
	}

	p2, err := r.Resolve(ctx, "my-project")
	if err != nil {
		t.Fatalf("Resolve (second): %v", err)
	}
	if p2.ProjectID != p.ProjectID {
		t.Errorf("expected idempotent resolve, got %q then %q", p.ProjectID, p2.ProjectID)
	}

	p3, err := r.Resolve(ctx, p.ProjectID)
	if err != nil {
		t.Fatalf("Resolve by project_id: %v", err)
	}
	if p3.ProjectID != p.ProjectID {
		t.Errorf("resolve by project_id returned %q", p3.ProjectID)
	}
}

func TestResolveRejectsInvalidName(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir, testNow())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if _, err := r.Resolve(context.Background(), "bad name with spaces"); err == nil {
		t.Fatal("expected error for invalid project identifier")
	}
}

func TestResolveConcurrentSameNameCreatesOne(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir, testNow())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	ctx := context.Background()
	const n = 20
	ids := make([]string, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			p, err := r.Resolve(ctx, "shared-name")
			if err != nil {
				t.Errorf("Resolve: %v", err)
				return
			}
			ids[i] = p.ProjectID
		}()
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("expected all resolutions to return the same project_id, got %v", ids)
		}
	}

	projects, err := r.List(ctx, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(projects) != 1 {
		t.Fatalf("expected exactly one project created, got %d", len(projects))
	}
}

func TestGetRootNotFound(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir, testNow())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if _, err := r.GetRoot(context.Background(), "nope-00000000"); err == nil {
		t.Fatal("expected NotFound error")
	}
}
