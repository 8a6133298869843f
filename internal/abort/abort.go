// Package abort holds the process-wide cooperative cancellation flag
// of spec §5/§9: a single atomic integer, polled by the backup walk
// at every node boundary, rather than threaded through as a context
// cancellation (this predates and sits alongside any context.Context
// deadline/cancel the caller supplies). The content store's body copy
// does not poll it; a copy already under way stops only on context
// cancellation, and the walk sees the flag once that node completes.
package abort

import "sync/atomic"

var flag int32

// Request sets the abort flag. Idempotent.
func Request() { atomic.StoreInt32(&flag, 1) }

// Requested reports whether Request has been called since the last Reset.
func Requested() bool { return atomic.LoadInt32(&flag) != 0 }

// Reset clears the flag, used between independent runs in the same process
// (tests, or a long-lived daemon that restarts a walk after an abort).
func Reset() { atomic.StoreInt32(&flag, 0) }
