package session

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// summaryPolicy keeps the structural tags the summary model produces and
// strips scripts, event handlers, and anything else that must not reach the
// clinician's browser. The class attribute survives so the client stylesheet
// can render the section layout.
var summaryPolicy = func() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("class").Globally()
	return p
}()

// sanitizeSummaryHTML normalizes a raw model completion into safe HTML. The
// model sometimes wraps its output in a markdown code fence; the fence is
// stripped before sanitizing.
func sanitizeSummaryHTML(raw string) string {
	s := strings.TrimSpace(raw)
	s = stripCodeFence(s)
	return strings.TrimSpace(summaryPolicy.Sanitize(s))
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```html")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// placeholderSummary is delivered when the transcript is too short to be
// worth a model call.
func placeholderSummary(language string) string {
	if language == "es" {
		return "<p>La consulta fue demasiado breve para generar un resumen clínico.</p>"
	}
	return "<p>The consultation was too short to generate a clinical summary.</p>"
}
