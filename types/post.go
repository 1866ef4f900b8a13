package types

import (
	"time"

	"github.com/google/uuid"
)

// Post is a piece of content owned by an identity.
type Post struct {
	// ID is the unique identifier of the post.
	ID int64 `json:"id" db:"id"`

	// OwnerID references the identity that created the post.
	OwnerID uuid.UUID `json:"owner_id" db:"owner_id"`

	// OwnerName is the display name of the owner at read time.
	OwnerName string `json:"owner_name,omitempty" db:"owner_name"`

	Title string `json:"title" db:"title"`
	Body  string `json:"body" db:"body"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// PostView is a post together with the permissions of the viewer.
type PostView struct {
	Post
	Permissions Permission `json:"permissions"`
}
