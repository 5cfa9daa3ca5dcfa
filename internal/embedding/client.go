// Package embedding is the one external-collaborator boundary the
// engine depends on for turning text into vectors (spec §1, §6): a
// function text -> vector[d], d fixed per deployment.
package embedding

import "context"

// Client embeds a batch of texts into fixed-dimension vectors.
type Client interface {
	// Embed returns one vector per input text, in order. Dimension is
	// constant across calls for a given Client.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dim reports the embedding dimension this client produces.
	Dim() int
}
