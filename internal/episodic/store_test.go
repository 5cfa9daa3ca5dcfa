package episodic

import (
	"context"
	"testing"

	"github.com/kittclouds/memtiers/internal/apperr"
	"github.com/kittclouds/memtiers/internal/policy"
)

func testNow() func() int64 {
	var n int64 = 9000
	return func() int64 { n++; return n }
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	markers, err := policy.ChatMarkerScanner()
	if err != nil {
		t.Fatalf("ChatMarkerScanner: %v", err)
	}
	s, err := Open(t.TempDir(), testNow(), markers)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreValidEpisode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := &Episode{
		ProjectID:  "p",
		Situation:  "Migration to SQLite exceeded the connection limit under concurrent writers",
		Action:     "Capped max open connections to one",
		Outcome:    "Write contention disappeared, throughput stabilized",
		Lesson:     "Cap writer concurrency before scaling read replicas",
		Confidence: 0.8,
	}
	saved, err := s.Store(ctx, e)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if saved.ID == "" {
		t.Error("expected an assigned id")
	}

	got, err := s.Get(ctx, saved.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Lesson != e.Lesson {
		t.Errorf("Lesson = %q", got.Lesson)
	}
}

func TestStoreRejectsHighOverlap(t *testing.T) {
	s := newTestStore(t)
	e := &Episode{
		ProjectID: "p",
		Situation: "The repo at /home/u/proj is large so grep found it",
		Action:    "Did nothing",
		Outcome:   "No change",
		Lesson:    "The repo at /home/u/proj is large",
	}
	if _, err := s.Store(context.Background(), e); !apperr.Is(err, apperr.KindValidationFailed) {
		t.Fatalf("expected ValidationFailed, got %v", err)
	}
}

func TestStoreRejectsPathLikeLesson(t *testing.T) {
	s := newTestStore(t)
	e := &Episode{
		ProjectID: "p",
		Situation: "Something went wrong during the build",
		Action:    "Investigated logs",
		Outcome:   "Found the root cause",
		Lesson:    "Check pkg/foo/bar/baz.go before editing the build config",
	}
	if _, err := s.Store(context.Background(), e); !apperr.Is(err, apperr.KindValidationFailed) {
		t.Fatalf("expected ValidationFailed for path-like lesson, got %v", err)
	}
}

func TestStoreRejectsChatMarker(t *testing.T) {
	s := newTestStore(t)
	e := &Episode{
		ProjectID: "p",
		Situation: "Conversation went off track during debugging",
		Action:    "Restarted the session",
		Outcome:   "Got back on track",
		Lesson:    "user: please just restart and try again next time",
	}
	if _, err := s.Store(context.Background(), e); !apperr.Is(err, apperr.KindValidationFailed) {
		t.Fatalf("expected ValidationFailed for chat marker, got %v", err)
	}
}

func TestStoreAcceptsLessonWithPlainChatMarkerWords(t *testing.T) {
	s := newTestStore(t)
	e := &Episode{
		ProjectID: "p",
		Situation: "An agent deleted files without confirmation during a cleanup task",
		Action:    "Added a confirmation prompt before destructive operations",
		Outcome:   "No more accidental deletions",
		Lesson:    "Always confirm with the user before deleting files from the system",
	}
	if _, err := s.Store(context.Background(), e); err != nil {
		t.Fatalf("expected plain prose mentioning user/system to be accepted, got %v", err)
	}
}

func TestStoreRejectsOverlongLesson(t *testing.T) {
	s := newTestStore(t)
	long := make([]byte, maxLessonLen+1)
	for i := range long {
		long[i] = 'a'
	}
	e := &Episode{
		ProjectID: "p",
		Situation: "Something happened",
		Action:    "Something was done",
		Outcome:   "Something resulted",
		Lesson:    string(long),
	}
	if _, err := s.Store(context.Background(), e); !apperr.Is(err, apperr.KindValidationFailed) {
		t.Fatalf("expected ValidationFailed for overlong lesson, got %v", err)
	}
}

func TestQueryOrderingAndFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	episodes := []*Episode{
		{ProjectID: "p", Situation: "alpha situation occurred", Action: "a", Outcome: "o", Lesson: "Prefer batching over single writes", Confidence: 0.3},
		{ProjectID: "p", Situation: "beta situation occurred", Action: "a", Outcome: "o", Lesson: "Validate input before parsing", Confidence: 0.9},
	}
	for _, e := range episodes {
		if _, err := s.Store(ctx, e); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}

	got, err := s.Query(ctx, "p", QueryFilters{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 || got[0].Confidence < got[1].Confidence {
		t.Fatalf("expected descending confidence order, got %+v", got)
	}
}

func TestCleanupDeletesOnlyLowConfidenceOldEpisodes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Store(ctx, &Episode{
		ProjectID: "p", Situation: "old and weak", Action: "a", Outcome: "o",
		Lesson: "Retry with exponential backoff on flaky network calls", Confidence: 0.1,
	})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	n, err := s.Cleanup(ctx, 999999, 0.5)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 episode cleaned up, got %d", n)
	}
}
