package handlers

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/memberboard/apiserver/internal/auth"
	"github.com/memberboard/apiserver/internal/storage"
	"github.com/memberboard/apiserver/types"
)

const formFieldAvatar = "avatar"

// ProfileService is the self-service part of the user use-cases.
type ProfileService interface {
	Summary(ctx context.Context, id uuid.UUID) (types.IdentitySummary, error)
	UpdateProfile(ctx context.Context, id uuid.UUID, displayName string) (types.Identity, error)
	UploadAvatar(ctx context.Context, id uuid.UUID, r io.Reader, size int64, contentType string) (types.Identity, error)
	OpenAvatar(ctx context.Context, id uuid.UUID) (io.ReadCloser, error)
}

// ProfileHandler serves the signed-in identity's own profile.
type ProfileHandler struct {
	users        ProfileService
	sessions     SessionManager
	cookieSecure bool
}

func NewProfileHandler(users ProfileService, sessions SessionManager, cookieSecure bool) *ProfileHandler {
	return &ProfileHandler{
		users:        users,
		sessions:     sessions,
		cookieSecure: cookieSecure,
	}
}

// ProfileRouter registers /profile routes.
func ProfileRouter(r chi.Router, users ProfileService, sessions SessionManager, cookieSecure bool) {
	handler := NewProfileHandler(users, sessions, cookieSecure)

	r.Get("/", handler.GetProfile)
	r.Put("/", handler.UpdateProfile)
	r.Put("/avatar", handler.UploadAvatar)
}

// AvatarRouter registers the public avatar route under /users.
func AvatarRouter(r chi.Router, users ProfileService) {
	handler := NewProfileHandler(users, nil, false)

	r.Get("/{userID}/avatar", handler.GetAvatar)
}

func (h *ProfileHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	session, ok := requireSession(w, r, "")
	if !ok {
		return
	}

	summary, err := h.users.Summary(r.Context(), session.IdentityID)
	if err != nil {
		mapError(w, r, "get_profile", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// UpdateProfile changes the display name and re-issues the session so the
// new name is visible without signing in again.
func (h *ProfileHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	session, ok := requireSession(w, r, "")
	if !ok {
		return
	}
	var req ProfileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	identity, err := h.users.UpdateProfile(r.Context(), session.IdentityID, req.Name)
	if err != nil {
		mapError(w, r, "update_profile", err)
		return
	}

	issued, err := h.sessions.Refresh(r.Context(), session)
	if err != nil {
		// The profile is saved; the old token keeps working until refresh.
		logSwallowed(r, "update_profile", err)
		writeJSON(w, http.StatusOK, identity)
		return
	}
	auth.SetSessionCookie(w, issued.Token, issued.Session.ExpiresAt, h.cookieSecure)
	writeJSON(w, http.StatusOK, identity)
}

func (h *ProfileHandler) UploadAvatar(w http.ResponseWriter, r *http.Request) {
	session, ok := requireSession(w, r, "")
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, storage.MaxAvatarSize+64<<10)
	if err := r.ParseMultipartForm(storage.MaxAvatarSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			mapError(w, r, "upload_avatar", storage.ErrTooLarge)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile(formFieldAvatar)
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing avatar file")
		return
	}
	defer file.Close()

	identity, err := h.users.UploadAvatar(r.Context(), session.IdentityID, file, header.Size, header.Header.Get("Content-Type"))
	if err != nil {
		mapError(w, r, "upload_avatar", err)
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

func (h *ProfileHandler) GetAvatar(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "userID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rc, err := h.users.OpenAvatar(r.Context(), id)
	if err != nil {
		mapError(w, r, "get_avatar", err)
		return
	}
	defer rc.Close()

	body := bufio.NewReader(rc)
	head, _ := body.Peek(512)
	w.Header().Set("Content-Type", http.DetectContentType(head))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, body)
}

type ProfileRequest struct {
	Name string `json:"name"`
}
