package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cabohealth/nova/pkg/gateway/live/transcript"
)

// Consultation is a finished interview as read back from storage.
type Consultation struct {
	ID          uuid.UUID  `json:"id"`
	PatientID   uuid.UUID  `json:"patient_id"`
	PatientName string     `json:"patient_name"`
	SessionID   string     `json:"session_id"`
	Language    string     `json:"language"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     time.Time  `json:"ended_at"`
	SummaryHTML string     `json:"summary_html"`
	Placeholder bool       `json:"summary_placeholder"`
	SummarySent *time.Time `json:"summary_sent_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// SaveConsultationParams is the full record written at session completion.
type SaveConsultationParams struct {
	OwnerID     string
	PatientName string
	SessionID   string
	Language    string
	StartedAt   time.Time
	EndedAt     time.Time
	Entries     []transcript.Entry
	SummaryHTML string
	Placeholder bool
}

// ConsultationRepo persists finished interviews: patient upsert, the
// consultation row, its transcription rows, and the summary, all in one
// transaction.
type ConsultationRepo struct {
	pool *pgxpool.Pool
}

func NewConsultationRepo(pool *pgxpool.Pool) *ConsultationRepo {
	return &ConsultationRepo{pool: pool}
}

const upsertPatientSQL = `
INSERT INTO patients (id, owner_id, name)
VALUES ($1, $2, $3)
ON CONFLICT (owner_id, name) DO UPDATE SET name = EXCLUDED.name
RETURNING id`

func (r *ConsultationRepo) Save(ctx context.Context, p SaveConsultationParams) (Consultation, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Consultation{}, fmt.Errorf("begin save consultation: %w", err)
	}
	defer tx.Rollback(ctx)

	var patientID uuid.UUID
	err = tx.QueryRow(ctx, upsertPatientSQL, uuid.New(), p.OwnerID, p.PatientName).Scan(&patientID)
	if err != nil {
		return Consultation{}, fmt.Errorf("upsert patient: %w", err)
	}

	consultationID := uuid.New()
	_, err = tx.Exec(ctx, `
INSERT INTO consultations (id, owner_id, patient_id, session_id, language, started_at, ended_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		consultationID, p.OwnerID, patientID, p.SessionID, p.Language, p.StartedAt, p.EndedAt)
	if err != nil {
		return Consultation{}, fmt.Errorf("insert consultation: %w", err)
	}

	for i, entry := range p.Entries {
		_, err = tx.Exec(ctx, `
INSERT INTO transcriptions (id, consultation_id, entry_id, role, content, language, audio_url, spoken_at, position)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9)`,
			uuid.New(), consultationID, entry.ID, string(entry.Role), entry.Text,
			entry.Language, entry.AudioURL, entry.Timestamp, i)
		if err != nil {
			return Consultation{}, fmt.Errorf("insert transcription %d: %w", i, err)
		}
	}

	_, err = tx.Exec(ctx, `
INSERT INTO summaries (id, consultation_id, html, placeholder)
VALUES ($1, $2, $3, $4)`,
		uuid.New(), consultationID, p.SummaryHTML, p.Placeholder)
	if err != nil {
		return Consultation{}, fmt.Errorf("insert summary: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Consultation{}, fmt.Errorf("commit save consultation: %w", err)
	}

	return r.Get(ctx, p.OwnerID, consultationID)
}

const selectConsultationSQL = `
SELECT c.id, c.patient_id, p.name, c.session_id, c.language, c.started_at, c.ended_at,
       s.html, s.placeholder, s.sent_at, c.created_at
FROM consultations c
JOIN patients p ON p.id = c.patient_id
JOIN summaries s ON s.consultation_id = c.id`

// Get returns one consultation, scoped to its owner.
func (r *ConsultationRepo) Get(ctx context.Context, ownerID string, id uuid.UUID) (Consultation, error) {
	row := r.pool.QueryRow(ctx, selectConsultationSQL+` WHERE c.owner_id = $1 AND c.id = $2`,
		ownerID, id)
	c, err := scanConsultation(row)
	if err != nil {
		return Consultation{}, fmt.Errorf("get consultation: %w", err)
	}
	return c, nil
}

// ListByOwner returns the owner's consultations, newest first.
func (r *ConsultationRepo) ListByOwner(ctx context.Context, ownerID string, limit int) ([]Consultation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, selectConsultationSQL+` WHERE c.owner_id = $1 ORDER BY c.created_at DESC LIMIT $2`,
		ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list consultations: %w", err)
	}
	defer rows.Close()

	var out []Consultation
	for rows.Next() {
		c, err := scanConsultation(rows)
		if err != nil {
			return nil, fmt.Errorf("list consultations: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list consultations: %w", err)
	}
	return out, nil
}

// Transcript returns the ordered transcription rows of a consultation.
func (r *ConsultationRepo) Transcript(ctx context.Context, ownerID string, id uuid.UUID) ([]transcript.Entry, error) {
	rows, err := r.pool.Query(ctx, `
SELECT t.entry_id, t.role, t.content, t.language, COALESCE(t.audio_url, ''), t.spoken_at
FROM transcriptions t
JOIN consultations c ON c.id = t.consultation_id
WHERE c.owner_id = $1 AND c.id = $2
ORDER BY t.position`,
		ownerID, id)
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}
	defer rows.Close()

	var out []transcript.Entry
	for rows.Next() {
		var e transcript.Entry
		var role string
		if err := rows.Scan(&e.ID, &role, &e.Text, &e.Language, &e.AudioURL, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("load transcript: %w", err)
		}
		e.Role = transcript.Role(role)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}
	return out, nil
}

// MarkSummarySent records the dispatch instant on the summary row.
func (r *ConsultationRepo) MarkSummarySent(ctx context.Context, ownerID string, id uuid.UUID, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE summaries s SET sent_at = $3
FROM consultations c
WHERE s.consultation_id = c.id AND c.owner_id = $1 AND c.id = $2`,
		ownerID, id, at)
	if err != nil {
		return fmt.Errorf("mark summary sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark summary sent: %w", pgx.ErrNoRows)
	}
	return nil
}

func scanConsultation(row rowScanner) (Consultation, error) {
	var c Consultation
	err := row.Scan(
		&c.ID, &c.PatientID, &c.PatientName, &c.SessionID, &c.Language,
		&c.StartedAt, &c.EndedAt, &c.SummaryHTML, &c.Placeholder, &c.SummarySent, &c.CreatedAt,
	)
	if err != nil {
		return Consultation{}, err
	}
	return c, nil
}
