// Package errs declares the error kinds shared across HTM subsystems.
// The root package re-exports these so callers can match with errors.Is
// without importing internal packages.
package errs

import "errors"

var (
	// ErrValidation indicates input violating a size, format, or enum constraint.
	ErrValidation = errors.New("htm: validation failed")

	// ErrNotFound indicates a referenced node, tag, or robot is absent.
	ErrNotFound = errors.New("htm: not found")

	// ErrDuplicateContent indicates a content_hash collision with an active node.
	ErrDuplicateContent = errors.New("htm: duplicate content")

	// ErrEmbedding indicates the embedding callable failed.
	ErrEmbedding = errors.New("htm: embedding failed")

	// ErrEmbeddingDimension indicates a vector wider than the storage width.
	ErrEmbeddingDimension = errors.New("htm: embedding exceeds storage width")

	// ErrTagExtraction indicates the tag extraction callable failed.
	ErrTagExtraction = errors.New("htm: tag extraction failed")

	// ErrConfiguration indicates missing or invalid configuration.
	ErrConfiguration = errors.New("htm: invalid configuration")

	// ErrStore indicates an underlying database failure.
	ErrStore = errors.New("htm: store failure")
)
