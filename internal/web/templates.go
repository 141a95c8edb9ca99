package web

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/apimbilling/apimbilling/internal/config"
	"github.com/apimbilling/apimbilling/internal/model"
)

//go:embed templates/*.html
var templateFS embed.FS

// Page templates, each rendered inside layout.html.
const (
	pageHome          = "home.html"
	pageProducts      = "products.html"
	pageSubscriptions = "subscriptions.html"
	pageSubscription  = "subscription.html"
)

var templateFuncs = template.FuncMap{
	"date": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.UTC().Format("2006-01-02 15:04 UTC")
	},
}

// pageData is the model passed to every page.
type pageData struct {
	Title   string
	Path    string
	Session *Session
	Success string
	Error   string

	Instances []config.Instance
	Instance  *config.Instance

	Products      []model.Product
	Subscriptions []model.SubscriptionInfo
	Subscription  *model.SubscriptionInfo
}

func parseTemplates() (map[string]*template.Template, error) {
	pages := []string{pageHome, pageProducts, pageSubscriptions, pageSubscription}
	out := make(map[string]*template.Template, len(pages))
	for _, page := range pages {
		tmpl, err := template.New(page).Funcs(templateFuncs).ParseFS(templateFS, "templates/layout.html", "templates/"+page)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", page, err)
		}
		out[page] = tmpl
	}
	return out, nil
}

// render executes a page into a buffer so a template error never leaves a
// half-written response.
func (h *Handler) render(w http.ResponseWriter, r *http.Request, status int, page string, data pageData) {
	tmpl, ok := h.pages[page]
	if !ok {
		h.logger.ErrorContext(r.Context(), "unknown page", "page", page)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout", data); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to render page", "page", page, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}
