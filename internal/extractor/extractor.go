// Package extractor implements the optional LLM Extractor: a function
// (situation, action, outcome) -> Episode | empty, treated as an
// external collaborator the core never requires (spec §1, §6).
package extractor

import "context"

// Episode is the shape an extraction produces, independent of the
// episodic package's persisted type so this package has no dependency
// on internal/episodic.
type Episode struct {
	Lesson     string
	Confidence float64
}

// Client extracts an advisory lesson from a completed interaction. The
// bool result is false when no episode qualified (spec §6: "empty
// JSON" from the extractor means no episode).
type Client interface {
	Extract(ctx context.Context, situation, action, outcome string) (*Episode, bool, error)
}

// Noop is the default Client: it never proposes an episode. Used when
// no extractor provider is configured.
type Noop struct{}

func (Noop) Extract(ctx context.Context, situation, action, outcome string) (*Episode, bool, error) {
	return nil, false, nil
}
