package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/memberboard/apiserver/internal/store"
	"github.com/memberboard/apiserver/types"
)

// AdminGate performs admin mutations after re-reading the actor.
type AdminGate interface {
	RequireAdmin(ctx context.Context, actorID uuid.UUID) error
	ChangeRole(ctx context.Context, actorID, targetID uuid.UUID, role types.Role) (types.Identity, error)
	DeleteIdentity(ctx context.Context, actorID, targetID uuid.UUID) (store.CascadeResult, error)
}

// IdentityDirectory lists identities for the admin pages.
type IdentityDirectory interface {
	List(ctx context.Context, offset, limit int) ([]types.IdentitySummary, int, error)
	Summary(ctx context.Context, id uuid.UUID) (types.IdentitySummary, error)
}

// AdminHandler serves the user management API.
type AdminHandler struct {
	gate      AdminGate
	directory IdentityDirectory
}

func NewAdminHandler(gate AdminGate, directory IdentityDirectory) *AdminHandler {
	return &AdminHandler{gate: gate, directory: directory}
}

// AdminRouter registers /admin routes. Every route re-checks the actor's
// stored role; the role in the token only decides the first 403.
func AdminRouter(r chi.Router, gate AdminGate, directory IdentityDirectory) {
	handler := NewAdminHandler(gate, directory)

	r.Route("/users", func(r chi.Router) {
		r.Get("/", handler.ListUsers)
		r.Route("/{userID}", func(r chi.Router) {
			r.Get("/", handler.GetUser)
			r.Patch("/role", handler.ChangeRole)
			r.Delete("/", handler.DeleteUser)
		})
	})
}

func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}
	page, limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, total, err := h.directory.List(r.Context(), offset, limit)
	if err != nil {
		mapError(w, r, "list_users", err)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse[types.IdentitySummary]{
		Items: items,
		Page:  page,
		Limit: limit,
		Total: total,
	})
}

func (h *AdminHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAdmin(w, r); !ok {
		return
	}
	id, err := parseUUIDParam(r, "userID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	summary, err := h.directory.Summary(r.Context(), id)
	if err != nil {
		mapError(w, r, "get_user", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *AdminHandler) ChangeRole(w http.ResponseWriter, r *http.Request) {
	session, ok := requireSession(w, r, types.RoleAdmin)
	if !ok {
		return
	}
	id, err := parseUUIDParam(r, "userID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req RoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	updated, err := h.gate.ChangeRole(r.Context(), session.IdentityID, id, types.Role(req.Role))
	if err != nil {
		mapError(w, r, "change_role", err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *AdminHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	session, ok := requireSession(w, r, types.RoleAdmin)
	if !ok {
		return
	}
	id, err := parseUUIDParam(r, "userID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.gate.DeleteIdentity(r.Context(), session.IdentityID, id)
	if err != nil {
		mapError(w, r, "delete_user", err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteUserResponse{Deleted: result})
}

func (h *AdminHandler) requireAdmin(w http.ResponseWriter, r *http.Request) (types.Session, bool) {
	session, ok := requireSession(w, r, types.RoleAdmin)
	if !ok {
		return types.Session{}, false
	}
	if err := h.gate.RequireAdmin(r.Context(), session.IdentityID); err != nil {
		mapError(w, r, "require_admin", err)
		return types.Session{}, false
	}
	return session, true
}

type RoleRequest struct {
	Role string `json:"role"`
}

type DeleteUserResponse struct {
	Deleted store.CascadeResult `json:"deleted"`
}
