package handler

import (
	"bytes"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/hitoshi/garage/internal/model"
)

const approvalPageTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<meta name="viewport" content="width=device-width, initial-scale=1">
<style>
body { font-family: Arial, sans-serif; text-align: center; padding: 50px; background: #1a1a2e; color: #fff; }
h1 { color: {{.Color}}; }
p { color: #ccc; }
strong { color: #5bc0de; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
{{- if .Username}}
<p><strong>{{.Username}}</strong> {{.Detail}}</p>
{{- else}}
<p>{{.Detail}}</p>
{{- end}}
{{- if .Footer}}
<p>{{.Footer}}</p>
{{- end}}
</body>
</html>
`

// approvalPage は承認結果ページの表示内容。値はテンプレートでHTMLエスケープされる。
type approvalPage struct {
	Status   int
	Title    string
	Color    template.CSS
	Username string
	Detail   string
	Footer   string
}

type approvalPages struct {
	tmpl *template.Template
}

func newApprovalPages() *approvalPages {
	return &approvalPages{
		tmpl: template.Must(template.New("approval").Parse(approvalPageTemplate)),
	}
}

// pageFor は承認結果に対応するページ内容を返す。
func pageFor(outcome model.ApprovalOutcome, band *model.BandAccount) approvalPage {
	var username string
	if band != nil {
		username = band.Username
	}
	switch outcome {
	case model.ApprovalApproved:
		return approvalPage{
			Status:   http.StatusOK,
			Title:    "Band Approved!",
			Color:    "#5cb85c",
			Username: username,
			Detail:   "can now post to the Show Announcements channel.",
			Footer:   "They will be able to log in at the website.",
		}
	case model.ApprovalAlreadyApproved:
		return approvalPage{
			Status:   http.StatusOK,
			Title:    "Already Approved",
			Color:    "#f0ad4e",
			Username: username,
			Detail:   "has already been approved.",
		}
	default:
		return approvalPage{
			Status: http.StatusBadRequest,
			Title:  "Invalid or Expired Link",
			Color:  "#d9534f",
			Detail: "This approval link is no longer valid.",
		}
	}
}

func (p *approvalPages) render(w http.ResponseWriter, outcome model.ApprovalOutcome, band *model.BandAccount) {
	p.write(w, pageFor(outcome, band))
}

func (p *approvalPages) renderError(w http.ResponseWriter) {
	p.write(w, approvalPage{
		Status: http.StatusServiceUnavailable,
		Title:  "Error",
		Color:  "#d9534f",
		Detail: "Something went wrong. Please try again.",
	})
}

func (p *approvalPages) write(w http.ResponseWriter, page approvalPage) {
	var buf bytes.Buffer
	if err := p.tmpl.Execute(&buf, page); err != nil {
		slog.Error("failed to render approval page", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(page.Status)
	_, _ = w.Write(buf.Bytes())
}
