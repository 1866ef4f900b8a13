package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/memberboard/apiserver/types"
)

// PostBoard is the post use-cases, with permissions resolved per viewer.
type PostBoard interface {
	List(ctx context.Context, viewer *types.Session, offset, limit int) ([]types.PostView, int, error)
	Get(ctx context.Context, viewer *types.Session, id int64) (types.PostView, error)
	Create(ctx context.Context, session types.Session, title, body string) (types.PostView, error)
	Update(ctx context.Context, session types.Session, id int64, title, body string) (types.PostView, error)
	Delete(ctx context.Context, session types.Session, id int64) error
}

// PostHandler provides HTTP handlers for posts.
type PostHandler struct {
	posts PostBoard
}

func NewPostHandler(posts PostBoard) *PostHandler {
	return &PostHandler{posts: posts}
}

// PostRouter registers post routes on the given router. Reads are public;
// writes need a session and pass through the ownership checks.
func PostRouter(r chi.Router, posts PostBoard) {
	handler := NewPostHandler(posts)

	r.Get("/", handler.ListPosts)
	r.Post("/", handler.CreatePost)
	r.Route("/{postID}", func(r chi.Router) {
		r.Get("/", handler.GetPost)
		r.Put("/", handler.UpdatePost)
		r.Delete("/", handler.DeletePost)
	})
}

func (h *PostHandler) ListPosts(w http.ResponseWriter, r *http.Request) {
	page, limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, total, err := h.posts.List(r.Context(), optionalSession(r), offset, limit)
	if err != nil {
		mapError(w, r, "list_posts", err)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse[types.PostView]{
		Items: items,
		Page:  page,
		Limit: limit,
		Total: total,
	})
}

func (h *PostHandler) GetPost(w http.ResponseWriter, r *http.Request) {
	id, err := parseIntParam(r, "postID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	post, err := h.posts.Get(r.Context(), optionalSession(r), id)
	if err != nil {
		mapError(w, r, "get_post", err)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

func (h *PostHandler) CreatePost(w http.ResponseWriter, r *http.Request) {
	session, ok := requireSession(w, r, "")
	if !ok {
		return
	}
	var req PostRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	created, err := h.posts.Create(r.Context(), session, req.Title, req.Body)
	if err != nil {
		mapError(w, r, "create_post", err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *PostHandler) UpdatePost(w http.ResponseWriter, r *http.Request) {
	session, ok := requireSession(w, r, "")
	if !ok {
		return
	}
	id, err := parseIntParam(r, "postID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req PostRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	updated, err := h.posts.Update(r.Context(), session, id, req.Title, req.Body)
	if err != nil {
		mapError(w, r, "update_post", err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *PostHandler) DeletePost(w http.ResponseWriter, r *http.Request) {
	session, ok := requireSession(w, r, "")
	if !ok {
		return
	}
	id, err := parseIntParam(r, "postID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.posts.Delete(r.Context(), session, id); err != nil {
		mapError(w, r, "delete_post", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type PostRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}
