package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cabohealth/nova/pkg/gateway/live/checkpoint"
	"github.com/cabohealth/nova/pkg/gateway/live/state"
	"github.com/cabohealth/nova/pkg/gateway/live/transcript"
)

// CheckpointRepo implements checkpoint.Store on a session_checkpoints table.
// The transcript snapshot is stored whole as JSONB; a checkpoint is only ever
// replaced, never patched.
type CheckpointRepo struct {
	pool *pgxpool.Pool
}

func NewCheckpointRepo(pool *pgxpool.Pool) *CheckpointRepo {
	return &CheckpointRepo{pool: pool}
}

const upsertCheckpointSQL = `
INSERT INTO session_checkpoints (
    owner_id, session_id, patient_name, language, state, transcript,
    pending_patient, pending_assistant, session_start, checkpoint_time, message_count
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (owner_id, session_id) DO UPDATE SET
    patient_name      = EXCLUDED.patient_name,
    language          = EXCLUDED.language,
    state             = EXCLUDED.state,
    transcript        = EXCLUDED.transcript,
    pending_patient   = EXCLUDED.pending_patient,
    pending_assistant = EXCLUDED.pending_assistant,
    session_start     = EXCLUDED.session_start,
    checkpoint_time   = EXCLUDED.checkpoint_time,
    message_count     = EXCLUDED.message_count`

func (r *CheckpointRepo) Upsert(ctx context.Context, cp checkpoint.Checkpoint) error {
	entries, err := json.Marshal(cp.Transcript)
	if err != nil {
		return fmt.Errorf("encode checkpoint transcript: %w", err)
	}
	_, err = r.pool.Exec(ctx, upsertCheckpointSQL,
		cp.OwnerID, cp.SessionID, cp.PatientName, cp.Language, string(cp.State), entries,
		cp.PendingPatient, cp.PendingAssistant, cp.SessionStart, cp.CheckpointTime, cp.MessageCount,
	)
	if err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	return nil
}

const selectCheckpointSQL = `
SELECT owner_id, session_id, patient_name, language, state, transcript,
       pending_patient, pending_assistant, session_start, checkpoint_time, message_count
FROM session_checkpoints`

func (r *CheckpointRepo) Get(ctx context.Context, ownerID, sessionID string) (checkpoint.Checkpoint, error) {
	row := r.pool.QueryRow(ctx, selectCheckpointSQL+` WHERE owner_id = $1 AND session_id = $2`,
		ownerID, sessionID)

	cp, err := scanCheckpoint(row)
	if err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("get checkpoint: %w", err)
	}
	return cp, nil
}

func (r *CheckpointRepo) ListByOwner(ctx context.Context, ownerID string) ([]checkpoint.Checkpoint, error) {
	rows, err := r.pool.Query(ctx, selectCheckpointSQL+` WHERE owner_id = $1 ORDER BY checkpoint_time DESC`,
		ownerID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []checkpoint.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("list checkpoints: %w", err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return out, nil
}

func (r *CheckpointRepo) Delete(ctx context.Context, ownerID, sessionID string) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM session_checkpoints WHERE owner_id = $1 AND session_id = $2`,
		ownerID, sessionID)
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (checkpoint.Checkpoint, error) {
	var (
		cp      checkpoint.Checkpoint
		st      string
		entries []byte
	)
	err := row.Scan(
		&cp.OwnerID, &cp.SessionID, &cp.PatientName, &cp.Language, &st, &entries,
		&cp.PendingPatient, &cp.PendingAssistant, &cp.SessionStart, &cp.CheckpointTime, &cp.MessageCount,
	)
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	cp.State = state.State(st)
	if len(entries) > 0 {
		var list []transcript.Entry
		if err := json.Unmarshal(entries, &list); err != nil {
			return checkpoint.Checkpoint{}, fmt.Errorf("decode transcript: %w", err)
		}
		cp.Transcript = list
	}
	return cp, nil
}
