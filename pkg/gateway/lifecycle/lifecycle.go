// Package lifecycle tracks whether the gateway is draining. The flag is
// shared between the readiness probe, which reports not-ready, and the live
// endpoint, which refuses new interviews so in-flight consultations can
// finish before the process exits.
package lifecycle

import "sync/atomic"

type Lifecycle struct {
	draining atomic.Bool
}

// SetDraining flips the drain flag. Safe from any goroutine; a nil receiver
// is a no-op.
func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}
