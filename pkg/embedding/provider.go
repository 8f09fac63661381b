// Package embedding declares the external Embedding Provider contract.
// Per spec.md §1 this is deliberately out of scope as an external
// collaborator: the engine only depends on this interface, never on a
// concrete model client.
package embedding

import "context"

// Provider turns text into a fixed-dimension embedding. Implementations
// must be deterministic for a given input within a model version; the
// agreed dimension is carried out-of-band via configuration
// (config.Vector.Dimension), not negotiated through this interface.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
