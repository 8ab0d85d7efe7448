// Package sessions tracks live interview connections so the gateway can
// enforce per-clinician limits, warn clients before shutdown, and drain
// cleanly on exit.
package sessions

import (
	"context"
	"sync"
)

// Handle is what a live session exposes to the tracker. Warn delivers an
// advisory frame to the client; Cancel tears the session down.
type Handle struct {
	OwnerID string
	Cancel  func()
	Warn    func(code, message string) error
}

type trackedInterview struct {
	handle Handle
	once   sync.Once
}

// Tracker registers active interviews by connection id.
type Tracker struct {
	mu         sync.Mutex
	interviews map[string]*trackedInterview
	wg         sync.WaitGroup
}

func NewTracker() *Tracker {
	return &Tracker{
		interviews: make(map[string]*trackedInterview),
	}
}

// Register adds a connection under connID. Registering the same id twice
// cancels and replaces the earlier entry. The returned func unregisters and
// is safe to call more than once.
func (t *Tracker) Register(connID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &trackedInterview{handle: h}

	t.mu.Lock()
	if t.interviews == nil {
		t.interviews = make(map[string]*trackedInterview)
	}
	old := t.interviews[connID]
	t.interviews[connID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		if old.handle.Cancel != nil {
			old.handle.Cancel()
		}
		t.unregister(connID, old)
	}

	return func() { t.unregister(connID, entry) }
}

func (t *Tracker) unregister(connID string, entry *trackedInterview) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.interviews != nil && t.interviews[connID] == entry {
			delete(t.interviews, connID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.interviews)
}

// CountByOwner reports how many connections a single clinician holds.
func (t *Tracker) CountByOwner(ownerID string) int {
	if t == nil || ownerID == "" {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, entry := range t.interviews {
		if entry != nil && entry.handle.OwnerID == ownerID {
			n++
		}
	}
	return n
}

// WarnAll sends an advisory to every connected client, best effort.
func (t *Tracker) WarnAll(code, message string) (sent int) {
	if t == nil {
		return 0
	}

	var warns []func(code, message string) error
	t.mu.Lock()
	for _, entry := range t.interviews {
		if entry == nil || entry.handle.Warn == nil {
			continue
		}
		warns = append(warns, entry.handle.Warn)
	}
	t.mu.Unlock()

	for _, warn := range warns {
		_ = warn(code, message)
		sent++
	}
	return sent
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}

	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.interviews {
		if entry == nil || entry.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, entry.handle.Cancel)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered connection has unregistered, or the
// context expires. It reports whether the drain completed.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
