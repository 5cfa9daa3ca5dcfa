package symbolic

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/kittclouds/memtiers/internal/apperr"
)

func testNow() func() int64 {
	var n int64 = 5000
	return func() int64 { n++; return n }
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), testNow())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreInsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	f := &Fact{
		ProjectID:  "proj-1",
		Category:   CategoryDecision,
		Key:        "db.engine",
		Value:      json.RawMessage(`"sqlite"`),
		Confidence: 0.9,
		Source:     SourceAgent,
	}
	saved, err := s.Store(ctx, f)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if saved.Status != StatusActive {
		t.Errorf("Status = %v, want active", saved.Status)
	}

	got, err := s.Get(ctx, saved.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Key != "db.engine" {
		t.Errorf("Key = %q", got.Key)
	}

	log, err := s.AuditLog(ctx, saved.ID)
	if err != nil {
		t.Fatalf("AuditLog: %v", err)
	}
	if len(log) != 1 || log[0].Operation != "insert" {
		t.Fatalf("expected one insert audit entry, got %+v", log)
	}
}

func TestStoreConflictResolutionHigherConfidenceWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Store(ctx, &Fact{
		ProjectID: "p", Category: CategoryFact, Key: "x",
		Value: json.RawMessage(`1`), Confidence: 0.5, Source: SourceUser,
	})
	if err != nil {
		t.Fatalf("Store first: %v", err)
	}

	second, err := s.Store(ctx, &Fact{
		ProjectID: "p", Category: CategoryFact, Key: "x",
		Value: json.RawMessage(`2`), Confidence: 0.9, Source: SourceAgent,
	})
	if err != nil {
		t.Fatalf("Store second: %v", err)
	}

	oldFirst, err := s.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("Get first: %v", err)
	}
	if oldFirst.Status != StatusSuperseded {
		t.Errorf("expected first fact superseded, got %v", oldFirst.Status)
	}
	if second.Status != StatusActive {
		t.Errorf("expected second fact active, got %v", second.Status)
	}
}

func TestStoreConflictResolutionLowerConfidenceRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Store(ctx, &Fact{
		ProjectID: "p", Category: CategoryFact, Key: "x",
		Value: json.RawMessage(`1`), Confidence: 0.9, Source: SourceUser,
	})
	if err != nil {
		t.Fatalf("Store first: %v", err)
	}

	_, err = s.Store(ctx, &Fact{
		ProjectID: "p", Category: CategoryFact, Key: "x",
		Value: json.RawMessage(`2`), Confidence: 0.2, Source: SourceAgent,
	})
	if !apperr.Is(err, apperr.KindLowerConfidence) {
		t.Fatalf("expected LowerConfidence error, got %v", err)
	}
}

func TestStoreValidationRejectsBadKey(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Store(context.Background(), &Fact{
		ProjectID: "p", Category: CategoryFact, Key: "has spaces",
		Value: json.RawMessage(`1`), Confidence: 0.5, Source: SourceUser,
	})
	if !apperr.Is(err, apperr.KindValidationFailed) {
		t.Fatalf("expected ValidationFailed error, got %v", err)
	}
}

func TestStoreValidationRejectsBadJSON(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Store(context.Background(), &Fact{
		ProjectID: "p", Category: CategoryFact, Key: "k",
		Value: json.RawMessage(`not json`), Confidence: 0.5, Source: SourceUser,
	})
	if !apperr.Is(err, apperr.KindValidationFailed) {
		t.Fatalf("expected ValidationFailed error, got %v", err)
	}
}

func TestQueryOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, key := range []string{"a", "b", "c"} {
		conf := 0.1 * float64(i+1)
		if _, err := s.Store(ctx, &Fact{
			ProjectID: "p", Category: CategoryFact, Key: key,
			Value: json.RawMessage(`1`), Confidence: conf, Source: SourceUser,
		}); err != nil {
			t.Fatalf("Store %q: %v", key, err)
		}
	}

	facts, err := s.Query(ctx, "p", QueryFilters{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(facts) != 3 {
		t.Fatalf("expected 3 facts, got %d", len(facts))
	}
	for i := 1; i < len(facts); i++ {
		if facts[i-1].Confidence < facts[i].Confidence {
			t.Fatalf("expected descending confidence order, got %v then %v", facts[i-1].Confidence, facts[i].Confidence)
		}
	}
}

func TestDeleteHardRemovesAndAudits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	f, err := s.Store(ctx, &Fact{
		ProjectID: "p", Category: CategoryFact, Key: "k",
		Value: json.RawMessage(`1`), Confidence: 0.5, Source: SourceUser,
	})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	if err := s.Delete(ctx, f.ID, "user"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := s.Get(ctx, f.ID); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected NotFound after delete, got %v", err)
	}

	log, err := s.AuditLog(ctx, f.ID)
	if err != nil {
		t.Fatalf("AuditLog: %v", err)
	}
	if len(log) != 2 || log[1].Operation != "delete" {
		t.Fatalf("expected insert+delete audit trail, got %+v", log)
	}
}
