package server

import (
	"html/template"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kkkkikiki/giftcard/internal/service"
)

const claimTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
</head>
<body>
<main>
<h2>{{.Title}}</h2>
<h3>{{.Header}}</h3>
{{if .Content}}<div class="reward">{{.Content}}</div>{{end}}
{{range .Notices}}<p class="notice">{{.}}</p>
{{end}}
{{if .ShowForm}}<form method="post" action="/claim/{{.Token}}">
<label for="alternate_email">Send a copy to another email address:</label>
<input type="email" id="alternate_email" name="alternate_email" required>
<button type="submit">Send</button>
</form>{{end}}
</main>
</body>
</html>
`

type claimView struct {
	Title    string
	Header   string
	Content  template.HTML
	Notices  []string
	Token    string
	ShowForm bool
}

// claim serves the participant-facing page behind the emailed link. POST carries an optional
// alternate_email form field.
func (s *Server) claim(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	alternate := ""
	if r.Method == http.MethodPost {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBodySize)
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form", http.StatusBadRequest)
			return
		}
		alternate = r.PostForm.Get("alternate_email")
	}

	page := s.engine.Claim(r.Context(), token, alternate)

	status := http.StatusOK
	switch page.Status {
	case service.ClaimNotFound:
		status = http.StatusNotFound
	case service.ClaimError:
		status = http.StatusInternalServerError
	}

	view := claimView{
		Title:   page.Title,
		Header:  page.Header,
		Content: template.HTML(page.Content),
		Notices: page.Notices,
		Token:   page.Token,
		// only a revealed card can be forwarded
		ShowForm: page.Content != "",
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := s.claimPage.Execute(w, view); err != nil {
		s.logger.ErrorContext(r.Context(), "failed to render claim page", slog.Any("error", err))
	}
}
