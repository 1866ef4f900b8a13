package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/memberboard/apiserver/internal/admin"
	"github.com/memberboard/apiserver/internal/auth"
	"github.com/memberboard/apiserver/internal/authz"
	"github.com/memberboard/apiserver/internal/services"
	"github.com/memberboard/apiserver/internal/storage"
	"github.com/memberboard/apiserver/internal/store"
	"github.com/memberboard/apiserver/types"
)

const (
	defaultPage  = 1
	defaultLimit = 20
	maxLimit     = 100
	maxBodyBytes = 1 << 20

	codeUnverified = "unverified"
	codeSelfAction = "self_action"
)

// ErrorResponse is the error payload of every API endpoint.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// ListResponse is a page of items.
type ListResponse[T any] struct {
	Items []T `json:"items"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

// mapError renders err with the status of its error class. Credential
// failures share one body so callers cannot tell them apart.
func mapError(w http.ResponseWriter, r *http.Request, operation string, err error) {
	status, resp := classifyError(err)
	if status >= http.StatusInternalServerError {
		slog.Default().ErrorContext(r.Context(), "request failed",
			"module", "handlers",
			"operation", operation,
			"outcome", "failure",
			"status_code", status,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
	}
	writeJSON(w, status, resp)
}

func classifyError(err error) (int, ErrorResponse) {
	switch {
	case auth.IsInvalidCredentials(err):
		return http.StatusUnauthorized, ErrorResponse{Error: "invalid credentials"}
	case errors.Is(err, auth.ErrUnverified):
		return http.StatusForbidden, ErrorResponse{Error: "email not verified", Code: codeUnverified}
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"}
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden, ErrorResponse{Error: "forbidden"}
	case errors.Is(err, auth.ErrInvalidOperation):
		return http.StatusBadRequest, ErrorResponse{Error: auth.ErrInvalidOperation.Error(), Code: codeSelfAction}
	case errors.Is(err, auth.ErrStorageUnavailable):
		return http.StatusInternalServerError, ErrorResponse{Error: "internal error"}
	case errors.Is(err, services.ErrInvalidInput),
		errors.Is(err, auth.ErrWeakPassword):
		return http.StatusBadRequest, ErrorResponse{Error: err.Error()}
	case errors.Is(err, services.ErrInvalidVerificationToken),
		errors.Is(err, services.ErrVerificationExpired),
		errors.Is(err, admin.ErrUnknownRole),
		errors.Is(err, storage.ErrUnsupportedImage),
		errors.Is(err, storage.ErrTooLarge):
		return http.StatusBadRequest, ErrorResponse{Error: rootMessage(err)}
	case errors.Is(err, storage.ErrDisabled):
		return http.StatusServiceUnavailable, ErrorResponse{Error: "avatar storage is not configured"}
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, ErrorResponse{Error: "not found"}
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, ErrorResponse{Error: "already exists"}
	default:
		return http.StatusInternalServerError, ErrorResponse{Error: "internal error"}
	}
}

// rootMessage drops wrapping context that may name internal keys.
func rootMessage(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// requireSession returns the session put on the context by the route guard.
// role may be empty for any signed-in identity.
func requireSession(w http.ResponseWriter, r *http.Request, role types.Role) (types.Session, bool) {
	session, ok := auth.SessionFromContext(r.Context())
	var current *types.Session
	if ok {
		current = &session
	}
	if role == "" {
		role = types.RoleUser
	}
	if err := authz.RequireRole(current, role); err != nil {
		mapError(w, r, "require_session", err)
		return types.Session{}, false
	}
	return session, true
}

func optionalSession(r *http.Request) *types.Session {
	if session, ok := auth.SessionFromContext(r.Context()); ok {
		return &session
	}
	return nil
}

func clientInfo(r *http.Request) services.ClientInfo {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return services.ClientInfo{IPAddress: ip, UserAgent: r.UserAgent()}
}

func parsePagination(r *http.Request) (page, limit, offset int, err error) {
	page = defaultPage
	limit = defaultLimit

	if raw := strings.TrimSpace(r.URL.Query().Get("page")); raw != "" {
		page, err = strconv.Atoi(raw)
		if err != nil || page < 1 {
			return 0, 0, 0, errors.New("invalid page")
		}
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return 0, 0, 0, errors.New("invalid limit")
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return page, limit, (page - 1) * limit, nil
}

func parseUUIDParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil || id == uuid.Nil {
		return uuid.Nil, errors.New("invalid " + name)
	}
	return id, nil
}

func parseIntParam(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id < 1 {
		return 0, errors.New("invalid " + name)
	}
	return id, nil
}

// Healthz reports liveness.
func Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
