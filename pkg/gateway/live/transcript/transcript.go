// Package transcript holds the finalized-utterance model shared by the live
// session, the checkpoint manager, and the consultation store.
package transcript

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies which party produced an utterance.
type Role string

const (
	// RolePatient is the local party: the person speaking into the microphone.
	RolePatient Role = "patient"
	// RoleAssistant is the remote party: the model's spoken responses.
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the two known roles.
func (r Role) Valid() bool {
	return r == RolePatient || r == RoleAssistant
}

// Entry is one finalized utterance. Text is immutable once the entry is
// created; the only permitted later change is a single AudioURL enrichment
// when a detached fragment upload completes.
type Entry struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Language  string    `json:"language"`
	AudioURL  string    `json:"audio_url,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// NewEntry builds an entry from pending text. It returns false when the
// trimmed text is empty: empty utterances never become entries.
func NewEntry(role Role, text, language string, at time.Time) (Entry, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Entry{}, false
	}
	return Entry{
		ID:        uuid.NewString(),
		Role:      role,
		Text:      text,
		Language:  language,
		Timestamp: at,
	}, true
}

// Pending accumulates incremental transcription fragments for both roles
// between turn boundaries.
type Pending struct {
	patient   strings.Builder
	assistant strings.Builder
}

// Append adds a fragment to the buffer for role. Unknown roles are dropped.
func (p *Pending) Append(role Role, fragment string) {
	if p == nil || fragment == "" {
		return
	}
	switch role {
	case RolePatient:
		p.patient.WriteString(fragment)
	case RoleAssistant:
		p.assistant.WriteString(fragment)
	}
}

// Text returns the accumulated fragment text for role.
func (p *Pending) Text(role Role) string {
	if p == nil {
		return ""
	}
	switch role {
	case RolePatient:
		return p.patient.String()
	case RoleAssistant:
		return p.assistant.String()
	}
	return ""
}

// Restore replaces both buffers, used when resuming from a checkpoint.
func (p *Pending) Restore(patient, assistant string) {
	if p == nil {
		return
	}
	p.patient.Reset()
	p.patient.WriteString(patient)
	p.assistant.Reset()
	p.assistant.WriteString(assistant)
}

// Drain finalizes both buffers into entries and clears them. The patient
// entry always precedes the assistant entry when both are present. Buffers
// whose trimmed text is empty produce no entry but are still cleared.
func (p *Pending) Drain(language string, at time.Time) []Entry {
	if p == nil {
		return nil
	}
	entries := make([]Entry, 0, 2)
	if e, ok := NewEntry(RolePatient, p.patient.String(), language, at); ok {
		entries = append(entries, e)
	}
	if e, ok := NewEntry(RoleAssistant, p.assistant.String(), language, at); ok {
		entries = append(entries, e)
	}
	p.patient.Reset()
	p.assistant.Reset()
	return entries
}

// Compose renders the ordered entry sequence as the plain text handed to the
// summary collaborator, one "Speaker: text" line per entry.
func Compose(entries []Entry, language string) string {
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(speakerLabel(e.Role, language))
		b.WriteString(": ")
		b.WriteString(e.Text)
	}
	return b.String()
}

func speakerLabel(role Role, language string) string {
	if role == RoleAssistant {
		return "Nova"
	}
	if language == "es" {
		return "Tú"
	}
	return "You"
}
