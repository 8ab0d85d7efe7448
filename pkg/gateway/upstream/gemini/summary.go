package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultRESTBase     = "https://generativelanguage.googleapis.com/v1beta"
	defaultSummaryModel = "gemini-2.5-pro"
)

// Summarizer generates the clinical summary from a composed transcript.
type Summarizer struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// Summarize sends the full transcript text through the summary prompt for
// the given language and returns the raw HTML snippet the model produced.
// The caller is responsible for sanitizing it.
func (s *Summarizer) Summarize(ctx context.Context, transcriptText, language string) (string, error) {
	if s == nil || strings.TrimSpace(s.APIKey) == "" {
		return "", &Error{Op: "summarize", Err: fmt.Errorf("api key is not configured")}
	}
	model := strings.TrimSpace(s.Model)
	if model == "" {
		model = defaultSummaryModel
	}
	base := strings.TrimSpace(s.BaseURL)
	if base == "" {
		base = defaultRESTBase
	}
	client := s.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}

	body, err := json.Marshal(generateRequest{
		Contents: []content{{Parts: []part{{Text: summaryPrompt(language, transcriptText)}}}},
	})
	if err != nil {
		return "", &Error{Op: "summarize", Err: err}
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", base, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", &Error{Op: "summarize", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", s.APIKey)

	resp, err := client.Do(req)
	if err != nil {
		return "", &Error{Op: "summarize", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", &Error{
			Op:         "summarize",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", strings.TrimSpace(string(snippet))),
		}
	}

	var decoded generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", &Error{Op: "summarize", Err: err}
	}
	if len(decoded.Candidates) == 0 || len(decoded.Candidates[0].Content.Parts) == 0 {
		return "", &Error{Op: "summarize", Err: fmt.Errorf("empty response")}
	}

	var out strings.Builder
	for _, p := range decoded.Candidates[0].Content.Parts {
		out.WriteString(p.Text)
	}
	html := strings.TrimSpace(out.String())
	if html == "" {
		return "", &Error{Op: "summarize", Err: fmt.Errorf("empty summary text")}
	}
	return html, nil
}
