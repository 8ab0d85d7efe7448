// Package checkpoint persists point-in-time snapshots of in-progress live
// sessions and ranks interrupted sessions for recovery.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/cabohealth/nova/pkg/gateway/live/state"
	"github.com/cabohealth/nova/pkg/gateway/live/transcript"
)

// DefaultSaveThreshold is the minimum transcript growth, in entries, between
// two checkpoint writes. It is a debounce tunable, not a correctness value.
const DefaultSaveThreshold = 3

// recentWindow marks recovery candidates checkpointed within the last day.
const recentWindow = 24 * time.Hour

// Checkpoint is a full snapshot of one in-progress session, keyed by
// (owner, session). Saves replace the whole row; there is no partial patch.
type Checkpoint struct {
	OwnerID          string             `json:"owner_id"`
	SessionID        string             `json:"session_id"`
	PatientName      string             `json:"patient_name"`
	Language         string             `json:"language"`
	State            state.State        `json:"state"`
	Transcript       []transcript.Entry `json:"transcript"`
	PendingPatient   string             `json:"pending_patient,omitempty"`
	PendingAssistant string             `json:"pending_assistant,omitempty"`
	SessionStart     time.Time          `json:"session_start"`
	CheckpointTime   time.Time          `json:"checkpoint_time"`
	MessageCount     int                `json:"message_count"`
}

// RecoverableSession is a read-only projection of a checkpoint with derived
// presentation fields. It is never persisted.
type RecoverableSession struct {
	Checkpoint Checkpoint
	Elapsed    time.Duration
	Formatted  string
	Recent     bool
}

// Store is the remote persistence collaborator holding one row per
// (owner, session).
type Store interface {
	Upsert(ctx context.Context, cp Checkpoint) error
	Get(ctx context.Context, ownerID, sessionID string) (Checkpoint, error)
	ListByOwner(ctx context.Context, ownerID string) ([]Checkpoint, error)
	Delete(ctx context.Context, ownerID, sessionID string) error
}

// Manager owns checkpoint bookkeeping for a single session at a time: the
// watermark (transcript length at last successful save) and the last save
// instant. Persistence failures are logged and swallowed; the unchanged
// watermark makes the next qualifying transcript growth retry the save.
type Manager struct {
	store     Store
	logger    *slog.Logger
	threshold int
	now       func() time.Time

	lastSavedCount int
	lastSavedAt    time.Time
}

// NewManager builds a manager. A zero or negative threshold falls back to
// DefaultSaveThreshold.
func NewManager(store Store, logger *slog.Logger, threshold int) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if threshold <= 0 {
		threshold = DefaultSaveThreshold
	}
	return &Manager{
		store:     store,
		logger:    logger,
		threshold: threshold,
		now:       time.Now,
	}
}

// Reset clears the watermark bookkeeping. Called on session start. When
// resuming from a checkpoint the restored message count seeds the watermark
// so recovery does not immediately re-save an identical snapshot.
func (m *Manager) Reset(savedCount int) {
	if m == nil {
		return
	}
	if savedCount < 0 {
		savedCount = 0
	}
	m.lastSavedCount = savedCount
	m.lastSavedAt = time.Time{}
}

// ShouldSave reports whether a snapshot write is warranted: only while
// Listening, only with an owner and session id present, and only after the
// transcript has grown by at least the threshold since the last save.
func (m *Manager) ShouldSave(st state.State, ownerID, sessionID string, transcriptLen int) bool {
	if m == nil || m.store == nil {
		return false
	}
	if st != state.Listening {
		return false
	}
	if strings.TrimSpace(ownerID) == "" || strings.TrimSpace(sessionID) == "" {
		return false
	}
	return transcriptLen-m.lastSavedCount >= m.threshold
}

// Save writes a full snapshot and, on success, advances the watermark to the
// snapshot's transcript length. On failure the watermark is left unchanged
// and the error is logged, never propagated.
func (m *Manager) Save(ctx context.Context, cp Checkpoint) bool {
	if m == nil || m.store == nil {
		return false
	}
	cp.CheckpointTime = m.now()
	cp.MessageCount = len(cp.Transcript)

	if err := m.store.Upsert(ctx, cp); err != nil {
		m.logger.Error("checkpoint save failed",
			"session_id", cp.SessionID,
			"message_count", cp.MessageCount,
			"error", err,
		)
		return false
	}

	m.lastSavedCount = cp.MessageCount
	m.lastSavedAt = cp.CheckpointTime
	m.logger.Debug("checkpoint saved",
		"session_id", cp.SessionID,
		"message_count", cp.MessageCount,
	)
	return true
}

// LastSavedAt returns the instant of the last successful save, zero if none.
func (m *Manager) LastSavedAt() time.Time {
	if m == nil {
		return time.Time{}
	}
	return m.lastSavedAt
}

// LastSavedCount returns the watermark.
func (m *Manager) LastSavedCount() int {
	if m == nil {
		return 0
	}
	return m.lastSavedCount
}

// Clear deletes the checkpoint row for (owner, session). Failures are logged
// and swallowed.
func (m *Manager) Clear(ctx context.Context, ownerID, sessionID string) {
	if m == nil || m.store == nil {
		return
	}
	if strings.TrimSpace(sessionID) == "" {
		return
	}
	if err := m.store.Delete(ctx, ownerID, sessionID); err != nil {
		m.logger.Error("checkpoint delete failed", "session_id", sessionID, "error", err)
	}
}

// Load fetches a single checkpoint by session id and validates it before
// handing it back. Callers use it to restore an interrupted session.
func (m *Manager) Load(ctx context.Context, ownerID, sessionID string) (Checkpoint, error) {
	if m == nil || m.store == nil {
		return Checkpoint{}, errors.New("checkpoint store is not configured")
	}
	cp, err := m.store.Get(ctx, ownerID, sessionID)
	if err != nil {
		return Checkpoint{}, err
	}
	if err := Validate(cp); err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}

// FindRecoverable returns the owner's interrupted sessions as recovery
// candidates, most recently checkpointed first. Structurally invalid
// checkpoints are dropped without failing the scan.
func (m *Manager) FindRecoverable(ctx context.Context, ownerID string) ([]RecoverableSession, error) {
	if m == nil || m.store == nil {
		return nil, errors.New("checkpoint store is not configured")
	}
	rows, err := m.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	now := m.now()
	out := make([]RecoverableSession, 0, len(rows))
	for _, cp := range rows {
		if !cp.State.Interrupted() {
			continue
		}
		if err := Validate(cp); err != nil {
			m.logger.Warn("dropping invalid checkpoint", "session_id", cp.SessionID, "error", err)
			continue
		}
		elapsed := now.Sub(cp.SessionStart)
		if elapsed < 0 {
			elapsed = 0
		}
		out = append(out, RecoverableSession{
			Checkpoint: cp,
			Elapsed:    elapsed,
			Formatted:  formatElapsed(elapsed),
			Recent:     now.Sub(cp.CheckpointTime) < recentWindow,
		})
	}

	// Most recent checkpoint first.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Checkpoint.CheckpointTime.After(out[j].Checkpoint.CheckpointTime)
	})
	return out, nil
}

// DismissAll clears every outstanding recovery offer, best effort: one
// failing delete does not abort the remainder.
func (m *Manager) DismissAll(ctx context.Context, ownerID string, sessions []RecoverableSession) {
	if m == nil {
		return
	}
	for _, s := range sessions {
		m.Clear(ctx, ownerID, s.Checkpoint.SessionID)
	}
}

// Validate checks structural validity before a checkpoint may be recovered.
func Validate(cp Checkpoint) error {
	if strings.TrimSpace(cp.SessionID) == "" {
		return errors.New("missing session id")
	}
	if strings.TrimSpace(cp.PatientName) == "" {
		return errors.New("missing patient name")
	}
	if cp.Language != "es" && cp.Language != "en" {
		return fmt.Errorf("unknown language %q", cp.Language)
	}
	for i, e := range cp.Transcript {
		if strings.TrimSpace(e.ID) == "" {
			return fmt.Errorf("transcript entry %d: missing id", i)
		}
		if !e.Role.Valid() {
			return fmt.Errorf("transcript entry %d: unknown role %q", i, e.Role)
		}
		if strings.TrimSpace(e.Text) == "" {
			return fmt.Errorf("transcript entry %d: empty text", i)
		}
	}
	return nil
}

func formatElapsed(d time.Duration) string {
	total := int(d / time.Second)
	h := total / 3600
	mm := (total % 3600) / 60
	ss := total % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, mm, ss)
	}
	return fmt.Sprintf("%02d:%02d", mm, ss)
}
