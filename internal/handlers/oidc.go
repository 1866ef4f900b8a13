package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/memberboard/apiserver/internal/auth"
	"github.com/memberboard/apiserver/internal/services"
	"github.com/memberboard/apiserver/internal/sso"
)

const (
	oidcStateCookie = "oidc_state"
	oidcCookiePath  = "/api/auth/oidc"
	oidcStateMaxAge = 10 * time.Minute
)

// OIDCProvider runs the authorization code flow against one issuer.
type OIDCProvider interface {
	Name() string
	AuthCodeURL(callback string) (string, string, error)
	Exchange(ctx context.Context, state, cookieState, code string) (sso.Identity, string, error)
}

// ExternalSignIn turns a provider identity into a session.
type ExternalSignIn interface {
	SignInExternal(ctx context.Context, ext services.ExternalIdentity, client services.ClientInfo) (services.IssuedSession, error)
}

// OIDCHandler serves the external sign-in redirect and callback.
type OIDCHandler struct {
	provider     OIDCProvider
	sessions     ExternalSignIn
	cookieSecure bool
}

func NewOIDCHandler(provider OIDCProvider, sessions ExternalSignIn, cookieSecure bool) *OIDCHandler {
	return &OIDCHandler{
		provider:     provider,
		sessions:     sessions,
		cookieSecure: cookieSecure,
	}
}

// OIDCRouter registers /auth/oidc routes.
func OIDCRouter(r chi.Router, provider OIDCProvider, sessions ExternalSignIn, cookieSecure bool) {
	handler := NewOIDCHandler(provider, sessions, cookieSecure)

	r.Get("/login", handler.Login)
	r.Get("/callback", handler.Callback)
}

func (h *OIDCHandler) Login(w http.ResponseWriter, r *http.Request) {
	target, state, err := h.provider.AuthCodeURL(safeCallback(r.URL.Query().Get("callbackUrl")))
	if err != nil {
		mapError(w, r, "oidc_login", err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     oidcStateCookie,
		Value:    state,
		Path:     oidcCookiePath,
		MaxAge:   int(oidcStateMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, target, http.StatusFound)
}

// Callback finishes the flow. Failures land on the login page with an
// error code instead of a JSON body, since a browser is following redirects.
func (h *OIDCHandler) Callback(w http.ResponseWriter, r *http.Request) {
	h.clearStateCookie(w)

	query := r.URL.Query()
	if query.Get("error") != "" {
		h.fail(w, r, "provider_denied", errors.New(query.Get("error")))
		return
	}
	var cookieState string
	if cookie, err := r.Cookie(oidcStateCookie); err == nil {
		cookieState = cookie.Value
	}

	identity, callback, err := h.provider.Exchange(r.Context(), query.Get("state"), cookieState, query.Get("code"))
	if err != nil {
		h.fail(w, r, "exchange_failed", err)
		return
	}

	issued, err := h.sessions.SignInExternal(r.Context(), services.ExternalIdentity{
		Provider:      h.provider.Name(),
		Subject:       identity.Subject,
		Email:         identity.Email,
		EmailVerified: identity.EmailVerified,
		Name:          identity.Name,
	}, clientInfo(r))
	if err != nil {
		h.fail(w, r, "sign_in_failed", err)
		return
	}

	auth.SetSessionCookie(w, issued.Token, issued.Session.ExpiresAt, h.cookieSecure)
	http.Redirect(w, r, safeCallback(callback), http.StatusFound)
}

func (h *OIDCHandler) fail(w http.ResponseWriter, r *http.Request, reason string, err error) {
	slog.Default().WarnContext(r.Context(), "external sign-in failed",
		"module", "handlers",
		"operation", "oidc_callback",
		"outcome", reason,
		"error", err,
	)
	http.Redirect(w, r, "/login?error="+url.QueryEscape(reason), http.StatusFound)
}

func (h *OIDCHandler) clearStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     oidcStateCookie,
		Value:    "",
		Path:     oidcCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// safeCallback only allows same-origin absolute paths.
func safeCallback(callback string) string {
	if !strings.HasPrefix(callback, "/") || strings.HasPrefix(callback, "//") || strings.Contains(callback, `\`) {
		return "/"
	}
	return callback
}
