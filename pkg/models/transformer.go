// Package models contains shared data models used across the colorgate codebase.
package models

import "context"

// Transformer is the image transformation every job runs. It must be a pure
// function of its input: equal payloads produce equal results, which is what
// makes results safe to cache by content.
type Transformer interface {
	// Transform returns the transformed image for payload.
	Transform(ctx context.Context, payload []byte) ([]byte, error)
	// Name returns the provider identifier (e.g., "http", "grayscale").
	Name() string
}

// ReadinessChecker is implemented by transformers that depend on a remote
// service and can report whether it is reachable.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}
