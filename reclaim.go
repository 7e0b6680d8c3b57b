package dynhost

import (
	"context"
	"runtime"
)

// WaitReclaimed forces collections until reclaimed reports true.
// Every attempt runs two collection rounds; false means reclamation is incomplete after all attempts
// or the context is done, resources may persist until a later collection.
func WaitReclaimed(ctx context.Context, attempts int, reclaimed func() bool) bool {
	for i := 0; i < attempts; i++ {
		if reclaimed() {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		runtime.GC()
		runtime.GC()
	}
	return reclaimed()
}
