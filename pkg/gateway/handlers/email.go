package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cabohealth/nova/pkg/gateway/apierror"
	"github.com/cabohealth/nova/pkg/gateway/auth"
	gatewaymail "github.com/cabohealth/nova/pkg/gateway/mail"
	"github.com/cabohealth/nova/pkg/gateway/mw"
)

// SummarySender is the dispatch surface; *mail.Client satisfies it.
type SummarySender interface {
	SendSummary(ctx context.Context, email gatewaymail.SummaryEmail) (gatewaymail.Result, error)
}

// EmailHandler sends the summary of a stored consultation to a physician
// and records the dispatch on the summary row.
type EmailHandler struct {
	Store  ConsultationStore
	Sender SummarySender
	Logger *slog.Logger
	Now    func() time.Time
}

type sendEmailRequest struct {
	ConsultationID string `json:"consultation_id"`
	DoctorEmail    string `json:"doctor_email"`
}

func (h EmailHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		apierror.Write(w, &apierror.Error{Type: apierror.ErrAuthentication, Message: "missing principal"}, reqID)
		return
	}
	if r.Method != http.MethodPost {
		apierror.Write(w, apierror.Invalid("method not allowed", ""), reqID)
		return
	}

	var req sendEmailRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		apierror.Write(w, apierror.Invalid("invalid request body", ""), reqID)
		return
	}
	id, err := uuid.Parse(strings.TrimSpace(req.ConsultationID))
	if err != nil {
		apierror.Write(w, apierror.Invalid("consultation_id must be a UUID", "consultation_id"), reqID)
		return
	}
	if _, err := mail.ParseAddress(strings.TrimSpace(req.DoctorEmail)); err != nil {
		apierror.Write(w, apierror.Invalid("doctor_email must be a valid address", "doctor_email"), reqID)
		return
	}

	c, err := h.Store.Get(r.Context(), p.OwnerID, id)
	if err != nil {
		apierror.Write(w, err, reqID)
		return
	}

	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	sentAt := now()

	res, err := h.Sender.SendSummary(r.Context(), gatewaymail.SummaryEmail{
		To:          strings.TrimSpace(req.DoctorEmail),
		PatientName: c.PatientName,
		Language:    c.Language,
		SummaryHTML: c.SummaryHTML,
		SentAt:      sentAt,
	})
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("summary email failed", "request_id", reqID, "consultation_id", id, "error", err)
		}
		apierror.Write(w, &apierror.Error{
			Type:    apierror.ErrUpstream,
			Message: "failed to send summary email",
			Code:    "send_email_failed",
		}, reqID)
		return
	}

	// The sent_at mark is bookkeeping; the email already went out.
	if err := h.Store.MarkSummarySent(r.Context(), p.OwnerID, id, sentAt); err != nil && h.Logger != nil {
		h.Logger.Warn("mark summary sent failed", "request_id", reqID, "consultation_id", id, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"email_id":  res.EmailID,
		"simulated": res.Simulated,
		"sent_at":   sentAt,
	})
}
