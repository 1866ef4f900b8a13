package handlers

import (
	"embed"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/memberboard/apiserver/internal/auth"
	"github.com/memberboard/apiserver/internal/authz"
	"github.com/memberboard/apiserver/types"
)

//go:embed templates/*.html
var templateFS embed.FS

var layout = template.Must(template.ParseFS(templateFS, "templates/layout.html"))

var pageTitles = map[string]string{
	"home":            "Board",
	"login":           "Sign in",
	"register":        "Create an account",
	"dashboard":       "Dashboard",
	"profile":         "Your profile",
	"create-post":     "New post",
	"admin":           "Administration",
	"verify-email":    "Verify your email",
	"forgot-password": "Forgot password",
	"reset-password":  "Choose a new password",
}

// PageHandler renders the HTML shells. Access to each page was already
// decided by the route guard.
type PageHandler struct {
	oidcProvider string
}

// PageRouter registers the page routes. oidcProvider is the display name
// of the external sign-in provider, or empty when none is configured.
func PageRouter(r chi.Router, oidcProvider string) {
	handler := &PageHandler{oidcProvider: oidcProvider}

	r.Get("/", handler.page("home"))
	r.Get("/login", handler.page("login"))
	r.Get("/register", handler.page("register"))
	r.Get("/dashboard", handler.page("dashboard"))
	r.Get("/profile", handler.page("profile"))
	r.Get("/posts/create", handler.page("create-post"))
	r.Get("/admin", handler.page("admin"))
	r.Get("/admin/*", handler.page("admin"))
	r.Get("/verify-email", handler.page("verify-email"))
	r.Get("/forgot-password", handler.page("forgot-password"))
	r.Get("/reset-password", handler.page("reset-password"))
}

type pageData struct {
	Name      string
	Title     string
	Session   *types.Session
	IsAdmin   bool
	Token     string
	Callback  string
	OIDCLogin string
	Error     string
}

func (h *PageHandler) page(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		data := pageData{
			Name:     name,
			Title:    pageTitles[name],
			Token:    query.Get("token"),
			Callback: query.Get("callbackUrl"),
			Error:    query.Get("error"),
		}
		if session, ok := auth.SessionFromContext(r.Context()); ok {
			data.Session = &session
			data.IsAdmin = authz.IsAdmin(session.Role)
		}
		if name == "login" || name == "register" {
			data.OIDCLogin = h.oidcProvider
		}
		if data.Callback != "" {
			data.Callback = safeCallback(data.Callback)
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := layout.Execute(w, data); err != nil {
			slog.Default().ErrorContext(r.Context(), "render page",
				"module", "handlers",
				"operation", "render_page",
				"page", name,
				"error", err,
			)
		}
	}
}
