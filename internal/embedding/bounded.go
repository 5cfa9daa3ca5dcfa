package embedding

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Bounded wraps a Client with a weighted semaphore so at most N calls to
// the underlying embedder run concurrently across every project's
// Semantic Store (spec §5: "a semaphore.Weighted bounds concurrent
// Embedding Generator calls").
type Bounded struct {
	inner Client
	sem   *semaphore.Weighted
}

// NewBounded wraps inner with a concurrency limit of max simultaneous
// Embed calls. max <= 0 disables bounding (inner is returned directly).
func NewBounded(inner Client, max int64) Client {
	if max <= 0 {
		return inner
	}
	return &Bounded{inner: inner, sem: semaphore.NewWeighted(max)}
}

func (b *Bounded) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer b.sem.Release(1)
	return b.inner.Embed(ctx, texts)
}

func (b *Bounded) Dim() int { return b.inner.Dim() }
