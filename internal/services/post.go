package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/memberboard/apiserver/internal/auth"
	"github.com/memberboard/apiserver/internal/authz"
	"github.com/memberboard/apiserver/internal/store"
	"github.com/memberboard/apiserver/types"
)

const (
	maxTitleLength = 200
	maxBodyLength  = 20000
)

// PostRepository defines persistence operations for posts.
type PostRepository interface {
	List(ctx context.Context, offset, limit int) ([]types.Post, int, error)
	Get(ctx context.Context, id int64) (types.Post, error)
	Create(ctx context.Context, post types.Post) (types.Post, error)
	Update(ctx context.Context, post types.Post) (types.Post, error)
	Delete(ctx context.Context, id int64) error
}

// PostService encapsulates post use-cases. Every ownership decision goes
// through authz.
type PostService struct {
	repo PostRepository
}

func NewPostService(repo PostRepository) *PostService {
	return &PostService{repo: repo}
}

// List returns a page of posts with the viewer's permissions on each.
// viewer may be nil.
func (s *PostService) List(ctx context.Context, viewer *types.Session, offset, limit int) ([]types.PostView, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	posts, total, err := s.repo.List(ctx, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	views := make([]types.PostView, 0, len(posts))
	for _, post := range posts {
		views = append(views, types.PostView{Post: post, Permissions: authz.ForSession(viewer, post.OwnerID)})
	}
	return views, total, nil
}

func (s *PostService) Get(ctx context.Context, viewer *types.Session, id int64) (types.PostView, error) {
	post, err := s.repo.Get(ctx, id)
	if err != nil {
		return types.PostView{}, err
	}
	return types.PostView{Post: post, Permissions: authz.ForSession(viewer, post.OwnerID)}, nil
}

// Create stores a post owned by the session holder.
func (s *PostService) Create(ctx context.Context, session types.Session, title, body string) (types.PostView, error) {
	title, body, err := validatePost(title, body)
	if err != nil {
		return types.PostView{}, err
	}
	post, err := s.repo.Create(ctx, types.Post{OwnerID: session.IdentityID, Title: title, Body: body})
	if err != nil {
		return types.PostView{}, err
	}
	return types.PostView{Post: post, Permissions: authz.ForSession(&session, post.OwnerID)}, nil
}

func (s *PostService) Update(ctx context.Context, session types.Session, id int64, title, body string) (types.PostView, error) {
	title, body, err := validatePost(title, body)
	if err != nil {
		return types.PostView{}, err
	}
	post, err := s.authorizedPost(ctx, session, id, authz.CanEditResource)
	if err != nil {
		return types.PostView{}, err
	}

	post.Title = title
	post.Body = body
	updated, err := s.repo.Update(ctx, post)
	if err != nil {
		return types.PostView{}, err
	}
	return types.PostView{Post: updated, Permissions: authz.ForSession(&session, updated.OwnerID)}, nil
}

func (s *PostService) Delete(ctx context.Context, session types.Session, id int64) error {
	if _, err := s.authorizedPost(ctx, session, id, authz.CanDeleteResource); err != nil {
		return err
	}
	return s.repo.Delete(ctx, id)
}

// authorizedPost loads the post and applies allowed. A failed load denies
// the action.
func (s *PostService) authorizedPost(ctx context.Context, session types.Session, id int64, allowed func(actor, owner uuid.UUID, role types.Role) bool) (types.Post, error) {
	post, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.Post{}, err
		}
		return types.Post{}, fmt.Errorf("%w: load post: %v", auth.ErrStorageUnavailable, err)
	}
	if !allowed(session.IdentityID, post.OwnerID, session.Role) {
		return types.Post{}, auth.ErrForbidden
	}
	return post, nil
}

func validatePost(title, body string) (string, string, error) {
	title = strings.TrimSpace(title)
	body = strings.TrimSpace(body)
	switch {
	case title == "":
		return "", "", fmt.Errorf("%w: title is required", ErrInvalidInput)
	case utf8.RuneCountInString(title) > maxTitleLength:
		return "", "", fmt.Errorf("%w: title must be at most %d characters", ErrInvalidInput, maxTitleLength)
	case body == "":
		return "", "", fmt.Errorf("%w: body is required", ErrInvalidInput)
	case utf8.RuneCountInString(body) > maxBodyLength:
		return "", "", fmt.Errorf("%w: body must be at most %d characters", ErrInvalidInput, maxBodyLength)
	}
	return title, body, nil
}
