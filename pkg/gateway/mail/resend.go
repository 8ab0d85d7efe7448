// Package mail dispatches clinical summaries to the treating physician
// through the Resend REST API. Without an API key the client runs in
// simulated mode: the send is logged and reported as simulated, which keeps
// development environments working without outbound email.
package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const DefaultBaseURL = "https://api.resend.com"

// SummaryEmail is one summary dispatch request.
type SummaryEmail struct {
	To          string
	PatientName string
	Language    string
	SummaryHTML string
	SentAt      time.Time
}

// Result reports how the email went out.
type Result struct {
	EmailID   string `json:"email_id,omitempty"`
	Simulated bool   `json:"simulated"`
}

// Client sends summary emails. A nil HTTPClient falls back to a default
// with a conservative timeout.
type Client struct {
	APIKey     string
	BaseURL    string
	From       string
	Simulated  bool
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// SendSummary delivers the summary email. Simulated mode (explicit, or
// implied by a missing API key) logs the send and succeeds.
func (c *Client) SendSummary(ctx context.Context, email SummaryEmail) (Result, error) {
	if strings.TrimSpace(email.To) == "" {
		return Result{}, fmt.Errorf("recipient address is required")
	}
	if strings.TrimSpace(email.PatientName) == "" {
		return Result{}, fmt.Errorf("patient name is required")
	}
	if strings.TrimSpace(email.SummaryHTML) == "" {
		return Result{}, fmt.Errorf("summary is required")
	}

	subject := subjectFor(email.Language, email.PatientName)
	body, err := renderBody(email, subject)
	if err != nil {
		return Result{}, fmt.Errorf("render summary email: %w", err)
	}

	if c.Simulated || strings.TrimSpace(c.APIKey) == "" {
		c.logger().Info("simulated summary email",
			"to", email.To,
			"subject", subject,
			"bytes", len(body),
		)
		return Result{Simulated: true}, nil
	}

	payload, err := json.Marshal(map[string]any{
		"from":    c.From,
		"to":      []string{email.To},
		"subject": subject,
		"html":    body,
	})
	if err != nil {
		return Result{}, fmt.Errorf("encode resend request: %w", err)
	}

	base := c.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(base, "/")+"/emails", bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("build resend request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("send summary email: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return Result{}, fmt.Errorf("read resend response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("resend status %d: %s", resp.StatusCode, snippet(raw))
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{}, fmt.Errorf("decode resend response: %w", err)
	}
	return Result{EmailID: out.ID}, nil
}

func subjectFor(language, patientName string) string {
	if language == "en" {
		return "Clinical Summary - " + patientName
	}
	return "Resumen Clínico - " + patientName
}

// bodyTemplate wraps the already-sanitized summary HTML in the delivery
// envelope. Only the summary is inserted unescaped; everything else goes
// through html/template escaping.
var bodyTemplate = template.Must(template.New("summary").Parse(`<!DOCTYPE html>
<html lang="{{.Lang}}">
<head>
<meta charset="UTF-8">
<title>{{.Subject}}</title>
</head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px;">
<div style="padding: 30px; border-radius: 10px 10px 0 0; background: #4c5fd5;">
<h1 style="color: white; margin: 0;">Cabo Health Nova</h1>
<p style="color: white; margin: 10px 0 0 0;">{{.Tagline}}</p>
</div>
<div style="background: #f9fafb; padding: 30px; border: 1px solid #e5e7eb; border-top: none;">
<p style="margin-top: 0;"><strong>{{.PatientLabel}}:</strong> {{.PatientName}}</p>
<p><strong>{{.DateLabel}}:</strong> {{.Date}}</p>
<hr style="border: none; border-top: 2px solid #e5e7eb; margin: 20px 0;">
{{.Summary}}
<hr style="border: none; border-top: 2px solid #e5e7eb; margin: 20px 0;">
<p style="font-size: 12px; color: #6b7280; margin-bottom: 0;">{{.Disclaimer}}</p>
</div>
</body>
</html>
`))

func renderBody(email SummaryEmail, subject string) (string, error) {
	at := email.SentAt
	if at.IsZero() {
		at = time.Now()
	}

	data := struct {
		Lang         string
		Subject      string
		Tagline      string
		PatientLabel string
		PatientName  string
		DateLabel    string
		Date         string
		Summary      template.HTML
		Disclaimer   string
	}{
		Lang:        email.Language,
		Subject:     subject,
		PatientName: email.PatientName,
		Date:        at.Format("02/01/2006 15:04"),
		Summary:     template.HTML(email.SummaryHTML),
	}
	if email.Language == "en" {
		data.Tagline = "Patient Clinical Summary"
		data.PatientLabel = "Patient"
		data.DateLabel = "Date"
		data.Disclaimer = "This is an automatically generated summary by Cabo Health Nova AI. Please review carefully before making clinical decisions."
	} else {
		data.Tagline = "Resumen Clínico del Paciente"
		data.PatientLabel = "Paciente"
		data.DateLabel = "Fecha"
		data.Disclaimer = "Este es un resumen generado automáticamente por Cabo Health Nova AI. Por favor, revise cuidadosamente antes de tomar decisiones clínicas."
	}

	var buf bytes.Buffer
	if err := bodyTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
