// Package worker hosts tollgate's background loops: the batched API-key
// last-used flusher and the daily usage scanner. The Runner supervises
// them under one errgroup so they start and stop as a unit.
package worker

import "context"

// Worker is one supervised background loop. Run must return promptly once
// ctx is cancelled, flushing any buffered state first; a non-nil error
// stops every sibling worker.
type Worker interface {
	Run(ctx context.Context) error
}
