package embedding

import (
	"context"
	"testing"
)

func TestDeterministicStable(t *testing.T) {
	d := NewDeterministic(32)
	ctx := context.Background()

	a, err := d.Embed(ctx, []string{"hello world"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	b, err := d.Embed(ctx, []string{"hello world"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(a[0]) != 32 || len(b[0]) != 32 {
		t.Fatalf("expected dim 32, got %d and %d", len(a[0]), len(b[0]))
	}
	for i := range a[0] {
		if a[0][i] != b[0][i] {
			t.Fatalf("expected identical vectors for identical input at index %d: %f vs %f", i, a[0][i], b[0][i])
		}
	}
}

func TestDeterministicDiffersByInput(t *testing.T) {
	d := NewDeterministic(16)
	out, err := d.Embed(context.Background(), []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	same := true
	for i := range out[0] {
		if out[0][i] != out[1][i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("expected distinct vectors for distinct inputs")
	}
}
