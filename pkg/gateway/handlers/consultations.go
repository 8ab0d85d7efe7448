package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cabohealth/nova/pkg/gateway/apierror"
	"github.com/cabohealth/nova/pkg/gateway/auth"
	"github.com/cabohealth/nova/pkg/gateway/live/transcript"
	"github.com/cabohealth/nova/pkg/gateway/mw"
	"github.com/cabohealth/nova/pkg/gateway/store/postgres"
)

// ConsultationStore is the persistence surface the consultation endpoints
// need. *postgres.ConsultationRepo satisfies it.
type ConsultationStore interface {
	Save(ctx context.Context, p postgres.SaveConsultationParams) (postgres.Consultation, error)
	Get(ctx context.Context, ownerID string, id uuid.UUID) (postgres.Consultation, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]postgres.Consultation, error)
	Transcript(ctx context.Context, ownerID string, id uuid.UUID) ([]transcript.Entry, error)
	MarkSummarySent(ctx context.Context, ownerID string, id uuid.UUID, at time.Time) error
}

// ConsultationsHandler persists finished interviews and lists them back.
type ConsultationsHandler struct {
	Store  ConsultationStore
	Logger *slog.Logger
}

type saveConsultationRequest struct {
	PatientName string             `json:"patient_name"`
	SessionID   string             `json:"session_id"`
	Language    string             `json:"language"`
	StartedAt   time.Time          `json:"started_at"`
	EndedAt     time.Time          `json:"ended_at"`
	Entries     []transcript.Entry `json:"entries"`
	SummaryHTML string             `json:"summary_html"`
	Placeholder bool               `json:"summary_placeholder"`
}

func (h ConsultationsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		apierror.Write(w, &apierror.Error{Type: apierror.ErrAuthentication, Message: "missing principal"}, reqID)
		return
	}

	switch r.Method {
	case http.MethodPost:
		h.save(w, r, p, reqID)
	case http.MethodGet:
		h.list(w, r, p, reqID)
	default:
		apierror.Write(w, apierror.Invalid("method not allowed", ""), reqID)
	}
}

func (h ConsultationsHandler) save(w http.ResponseWriter, r *http.Request, p *auth.Principal, reqID string) {
	var req saveConsultationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20)).Decode(&req); err != nil {
		apierror.Write(w, apierror.Invalid("invalid request body", ""), reqID)
		return
	}

	if strings.TrimSpace(req.PatientName) == "" {
		apierror.Write(w, apierror.Invalid("patient_name is required", "patient_name"), reqID)
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		apierror.Write(w, apierror.Invalid("session_id is required", "session_id"), reqID)
		return
	}
	if req.Language != "es" && req.Language != "en" {
		apierror.Write(w, apierror.Invalid("language must be es or en", "language"), reqID)
		return
	}
	if len(req.Entries) == 0 {
		apierror.Write(w, apierror.Invalid("entries must not be empty", "entries"), reqID)
		return
	}
	for _, e := range req.Entries {
		if !e.Role.Valid() || strings.TrimSpace(e.Text) == "" {
			apierror.Write(w, apierror.Invalid("malformed transcript entry", "entries"), reqID)
			return
		}
	}

	ended := req.EndedAt
	if ended.IsZero() {
		ended = time.Now()
	}
	started := req.StartedAt
	if started.IsZero() {
		started = ended
	}

	c, err := h.Store.Save(r.Context(), postgres.SaveConsultationParams{
		OwnerID:     p.OwnerID,
		PatientName: strings.TrimSpace(req.PatientName),
		SessionID:   strings.TrimSpace(req.SessionID),
		Language:    req.Language,
		StartedAt:   started,
		EndedAt:     ended,
		Entries:     req.Entries,
		SummaryHTML: req.SummaryHTML,
		Placeholder: req.Placeholder,
	})
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("save consultation failed", "request_id", reqID, "error", err)
		}
		apierror.Write(w, err, reqID)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"consultation": c})
}

func (h ConsultationsHandler) list(w http.ResponseWriter, r *http.Request, p *auth.Principal, reqID string) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			apierror.Write(w, apierror.Invalid("limit must be between 1 and 200", "limit"), reqID)
			return
		}
		limit = n
	}

	// Optional drill-down: ?id= returns one consultation with its transcript.
	if raw := strings.TrimSpace(r.URL.Query().Get("id")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			apierror.Write(w, apierror.Invalid("id must be a UUID", "id"), reqID)
			return
		}
		c, err := h.Store.Get(r.Context(), p.OwnerID, id)
		if err != nil {
			apierror.Write(w, err, reqID)
			return
		}
		entries, err := h.Store.Transcript(r.Context(), p.OwnerID, id)
		if err != nil {
			apierror.Write(w, err, reqID)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"consultation": c, "entries": entries})
		return
	}

	list, err := h.Store.ListByOwner(r.Context(), p.OwnerID, limit)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("list consultations failed", "request_id", reqID, "error", err)
		}
		apierror.Write(w, err, reqID)
		return
	}
	if list == nil {
		list = []postgres.Consultation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"consultations": list})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
