package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/cabohealth/nova/pkg/gateway/apierror"
	"github.com/cabohealth/nova/pkg/gateway/auth"
	"github.com/cabohealth/nova/pkg/gateway/live/checkpoint"
	"github.com/cabohealth/nova/pkg/gateway/mw"
)

// RecoveryHandler lists interrupted sessions that can be resumed and lets
// the clinician discard all outstanding offers.
type RecoveryHandler struct {
	Checkpoints *checkpoint.Manager
	Logger      *slog.Logger
}

type recoverableResponse struct {
	SessionID    string    `json:"session_id"`
	PatientName  string    `json:"patient_name"`
	Language     string    `json:"language"`
	MessageCount int       `json:"message_count"`
	SessionStart time.Time `json:"session_start"`
	Checkpointed time.Time `json:"checkpointed_at"`
	Elapsed      string    `json:"elapsed"`
	Recent       bool      `json:"recent"`
}

func (h RecoveryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		apierror.Write(w, &apierror.Error{Type: apierror.ErrAuthentication, Message: "missing principal"}, reqID)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.list(w, r, p, reqID)
	case http.MethodDelete:
		h.dismiss(w, r, p)
	default:
		apierror.Write(w, apierror.Invalid("method not allowed", ""), reqID)
	}
}

func (h RecoveryHandler) list(w http.ResponseWriter, r *http.Request, p *auth.Principal, reqID string) {
	found, err := h.Checkpoints.FindRecoverable(r.Context(), p.OwnerID)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("recovery scan failed", "request_id", reqID, "error", err)
		}
		apierror.Write(w, err, reqID)
		return
	}

	out := make([]recoverableResponse, 0, len(found))
	for _, rs := range found {
		out = append(out, recoverableResponse{
			SessionID:    rs.Checkpoint.SessionID,
			PatientName:  rs.Checkpoint.PatientName,
			Language:     rs.Checkpoint.Language,
			MessageCount: rs.Checkpoint.MessageCount,
			SessionStart: rs.Checkpoint.SessionStart,
			Checkpointed: rs.Checkpoint.CheckpointTime,
			Elapsed:      rs.Formatted,
			Recent:       rs.Recent,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// dismiss clears every outstanding recovery offer for the owner. Best-effort:
// a single delete failure does not abort the rest.
func (h RecoveryHandler) dismiss(w http.ResponseWriter, r *http.Request, p *auth.Principal) {
	found, err := h.Checkpoints.FindRecoverable(r.Context(), p.OwnerID)
	if err != nil {
		found = nil
	}
	h.Checkpoints.DismissAll(r.Context(), p.OwnerID, found)
	writeJSON(w, http.StatusOK, map[string]any{"dismissed": len(found)})
}
