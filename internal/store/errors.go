package store

import "errors"

// Error taxonomy for the pipeline. Callers (CLI, MCP tools) branch on these
// with errors.Is to map failures onto distinct surface conditions.
var (
	// ErrNotFound is returned when a rule, run, candidate, keypoint, or
	// merge group id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned for rejected inputs: empty promotion lists,
	// rejections without a reason, out-of-range scores, promoting a
	// non-accepted candidate.
	ErrValidation = errors.New("validation failed")

	// ErrConflict is returned when a write loses an optimistic-concurrency
	// race: the row's status changed since it was read. Callers re-fetch
	// and retry; the store never silently overwrites.
	ErrConflict = errors.New("conflict")
)
