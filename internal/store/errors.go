package store

import "errors"

var (
	// ErrChunkNotFound indicates no chunk record exists for the index.
	ErrChunkNotFound = errors.New("chunk not found")
)
