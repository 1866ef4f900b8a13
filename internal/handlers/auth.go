package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/memberboard/apiserver/internal/auth"
	"github.com/memberboard/apiserver/internal/services"
	"github.com/memberboard/apiserver/types"
)

// AccountFlows are the sign-up and recovery use-cases.
type AccountFlows interface {
	Register(ctx context.Context, email, password, displayName string) (types.Identity, error)
	VerifyEmail(ctx context.Context, token string) (types.Identity, error)
	ResendVerification(ctx context.Context, email string) error
	ForgotPassword(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, token, password string) error
}

// SessionManager issues and ends sessions.
type SessionManager interface {
	Login(ctx context.Context, email, password string, client services.ClientInfo) (services.IssuedSession, error)
	Logout(ctx context.Context, session types.Session) error
	LogoutAll(ctx context.Context, session types.Session) (int64, error)
	Refresh(ctx context.Context, session types.Session) (services.IssuedSession, error)
}

// AuthHandler provides the password and session endpoints.
type AuthHandler struct {
	accounts     AccountFlows
	sessions     SessionManager
	cookieSecure bool
}

func NewAuthHandler(accounts AccountFlows, sessions SessionManager, cookieSecure bool) *AuthHandler {
	return &AuthHandler{
		accounts:     accounts,
		sessions:     sessions,
		cookieSecure: cookieSecure,
	}
}

// AuthRouter registers auth routes on the given router.
func AuthRouter(r chi.Router, accounts AccountFlows, sessions SessionManager, cookieSecure bool) {
	handler := NewAuthHandler(accounts, sessions, cookieSecure)

	r.Post("/register", handler.Register)
	r.Post("/verify-email", handler.VerifyEmail)
	r.Post("/resend-verification", handler.ResendVerification)
	r.Post("/forgot-password", handler.ForgotPassword)
	r.Post("/reset-password", handler.ResetPassword)
	r.Post("/login", handler.Login)
	r.Post("/logout", handler.Logout)
	r.Get("/session", handler.Session)
}

// Register creates an unverified identity. No session is issued until the
// email is confirmed and the user signs in.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "missing required fields")
		return
	}

	identity, err := h.accounts.Register(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		mapError(w, r, "register", err)
		return
	}
	writeJSON(w, http.StatusCreated, identity)
}

func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	identity, err := h.accounts.VerifyEmail(r.Context(), req.Token)
	if err != nil {
		mapError(w, r, "verify_email", err)
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

// ResendVerification always answers 200 so the response does not reveal
// whether the address is registered.
func (h *AuthHandler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if err := h.accounts.ResendVerification(r.Context(), req.Email); err != nil {
		logSwallowed(r, "resend_verification", err)
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "if the address needs verification, an email is on its way"})
}

// ForgotPassword always answers 200 for the same reason.
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if err := h.accounts.ForgotPassword(r.Context(), req.Email); err != nil {
		logSwallowed(r, "forgot_password", err)
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "if the address is registered, a reset link is on its way"})
}

// ResetPassword stores the new password. The user signs in afterwards.
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if err := h.accounts.ResetPassword(r.Context(), req.Token, req.Password); err != nil {
		mapError(w, r, "reset_password", err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "password updated"})
}

// Login verifies credentials and sets the session cookie.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "missing credentials")
		return
	}

	issued, err := h.sessions.Login(r.Context(), req.Email, req.Password, clientInfo(r))
	if err != nil {
		mapError(w, r, "login", err)
		return
	}
	auth.SetSessionCookie(w, issued.Token, issued.Session.ExpiresAt, h.cookieSecure)
	writeJSON(w, http.StatusOK, newSessionResponse(issued))
}

// Logout clears the cookie. It succeeds with or without a session. With
// all=true the records of every session of the identity are removed.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if session, ok := auth.SessionFromContext(r.Context()); ok {
		if all, _ := strconv.ParseBool(r.URL.Query().Get("all")); all {
			if _, err := h.sessions.LogoutAll(r.Context(), session); err != nil {
				logSwallowed(r, "logout_all", err)
			}
		} else if err := h.sessions.Logout(r.Context(), session); err != nil {
			logSwallowed(r, "logout", err)
		}
	}
	auth.ClearSessionCookie(w, h.cookieSecure)
	w.WriteHeader(http.StatusNoContent)
}

// Session returns the current session claims. With refresh=true the
// identity is re-read from storage and the cookie is re-issued, which is
// how a changed display name or role reaches the token.
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	session, ok := auth.SessionFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusOK, SessionResponse{})
		return
	}

	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	if !refresh {
		writeJSON(w, http.StatusOK, SessionResponse{Authenticated: true, Session: &session})
		return
	}

	issued, err := h.sessions.Refresh(r.Context(), session)
	if err != nil {
		if status, _ := classifyError(err); status == http.StatusUnauthorized {
			auth.ClearSessionCookie(w, h.cookieSecure)
		}
		mapError(w, r, "refresh_session", err)
		return
	}
	auth.SetSessionCookie(w, issued.Token, issued.Session.ExpiresAt, h.cookieSecure)
	writeJSON(w, http.StatusOK, newSessionResponse(issued))
}

func logSwallowed(r *http.Request, operation string, err error) {
	slog.Default().WarnContext(r.Context(), "error hidden from client",
		"module", "handlers",
		"operation", operation,
		"outcome", "failure",
		"error", err,
	)
}

func newSessionResponse(issued services.IssuedSession) SessionResponse {
	session := issued.Session
	return SessionResponse{Authenticated: true, Session: &session, Token: issued.Token}
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TokenRequest struct {
	Token string `json:"token"`
}

type EmailRequest struct {
	Email string `json:"email"`
}

type ResetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

// SessionResponse carries the session claims. Token is only set when a
// token was just issued, for clients that use the bearer header.
type SessionResponse struct {
	Authenticated bool           `json:"authenticated"`
	Session       *types.Session `json:"session,omitempty"`
	Token         string         `json:"token,omitempty"`
}
