package shared

import "errors"

// Configuration errors. These are fatal and never retried.
var (
	ErrKeySetMismatch      = errors.New("weight sets have diverging key sets")
	ErrShapeMismatch       = errors.New("tensor shapes do not match")
	ErrInsufficientSamples = errors.New("trajectory sample has fewer elements than the mini-batch configuration requires")
	ErrIndivisibleBatch    = errors.New("batch size is not evenly divisible by the mini-batch count")
	ErrInvalidConfig       = errors.New("invalid configuration")
	ErrEmptyMetaBatch      = errors.New("no task gradients accumulated since the last meta step")
	ErrUnsupportedSpace    = errors.New("unsupported space")
)

// Numerical errors, surfaced to the caller for it to decide.
var (
	ErrNonFinite = errors.New("non-finite value in loss or gradient")
)

// Resource errors.
var (
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrDigestMismatch     = errors.New("checkpoint digest mismatch")
)
