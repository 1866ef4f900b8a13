// Package admin guards the administrative mutations on identities.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/memberboard/apiserver/internal/auth"
	"github.com/memberboard/apiserver/internal/authz"
	"github.com/memberboard/apiserver/internal/metrics"
	"github.com/memberboard/apiserver/internal/mq"
	"github.com/memberboard/apiserver/internal/store"
	"github.com/memberboard/apiserver/types"
)

// ErrUnknownRole is returned for a role outside the enumeration.
var ErrUnknownRole = errors.New("unknown role")

// IdentityStore is the storage the gate reads and mutates.
type IdentityStore interface {
	FindIdentityByID(ctx context.Context, id uuid.UUID) (types.Identity, error)
	UpdateIdentityRole(ctx context.Context, id uuid.UUID, role types.Role) (types.Identity, error)
	DeleteIdentityCascade(ctx context.Context, id uuid.UUID) (store.CascadeResult, error)
}

// AvatarRemover deletes stored avatar objects.
type AvatarRemover interface {
	Remove(ctx context.Context, key string) error
}

// EventPublisher sends domain events.
type EventPublisher interface {
	Publish(ctx context.Context, channel string, payload any) error
}

// RoleChanged is published after a successful role change.
type RoleChanged struct {
	ActorID  uuid.UUID  `json:"actor_id"`
	TargetID uuid.UUID  `json:"target_id"`
	From     types.Role `json:"from"`
	To       types.Role `json:"to"`
}

// IdentityDeleted is published after a successful cascade delete.
type IdentityDeleted struct {
	ActorID  uuid.UUID           `json:"actor_id"`
	TargetID uuid.UUID           `json:"target_id"`
	Email    string              `json:"email"`
	Deleted  store.CascadeResult `json:"deleted"`
}

// Gate re-verifies the acting admin against storage before every mutation.
// Role claims carried in a session are never trusted here.
type Gate struct {
	identities IdentityStore
	avatars    AvatarRemover
	events     EventPublisher
	metrics    *metrics.Metrics
}

// NewGate builds a Gate. avatars, events and m may be nil.
func NewGate(identities IdentityStore, avatars AvatarRemover, events EventPublisher, m *metrics.Metrics) *Gate {
	return &Gate{
		identities: identities,
		avatars:    avatars,
		events:     events,
		metrics:    m,
	}
}

// ChangeRole sets the role of target. An admin may not change their own
// role through this path.
func (g *Gate) ChangeRole(ctx context.Context, actorID, targetID uuid.UUID, role types.Role) (types.Identity, error) {
	const action = "change_role"
	if err := g.authorize(ctx, actorID, targetID); err != nil {
		return types.Identity{}, g.reject(ctx, action, err)
	}
	if !role.Valid() {
		return types.Identity{}, g.reject(ctx, action, fmt.Errorf("%w %q", ErrUnknownRole, role))
	}

	target, err := g.identities.FindIdentityByID(ctx, targetID)
	if err != nil {
		return types.Identity{}, g.reject(ctx, action, lookupError(err))
	}
	if target.Role == role {
		g.metrics.AdminAction(action, "unchanged")
		return target, nil
	}

	updated, err := g.identities.UpdateIdentityRole(ctx, targetID, role)
	if err != nil {
		return types.Identity{}, g.reject(ctx, action, lookupError(err))
	}

	g.metrics.AdminAction(action, "success")
	slog.Default().InfoContext(ctx, "identity role changed",
		"module", "admin",
		"operation", action,
		"outcome", "success",
		"actor_id", actorID,
		"target_id", targetID,
		"from", target.Role,
		"to", role,
	)
	g.publish(ctx, mq.ChannelRoleChanged, RoleChanged{
		ActorID:  actorID,
		TargetID: targetID,
		From:     target.Role,
		To:       role,
	})
	return updated, nil
}

// DeleteIdentity removes target together with its sessions, posts, linked
// accounts and verification tokens in one transaction.
func (g *Gate) DeleteIdentity(ctx context.Context, actorID, targetID uuid.UUID) (store.CascadeResult, error) {
	const action = "delete_identity"
	if err := g.authorize(ctx, actorID, targetID); err != nil {
		return store.CascadeResult{}, g.reject(ctx, action, err)
	}

	target, err := g.identities.FindIdentityByID(ctx, targetID)
	if err != nil {
		return store.CascadeResult{}, g.reject(ctx, action, lookupError(err))
	}

	result, err := g.identities.DeleteIdentityCascade(ctx, targetID)
	if err != nil {
		return store.CascadeResult{}, g.reject(ctx, action, lookupError(err))
	}

	g.metrics.AdminAction(action, "success")
	slog.Default().InfoContext(ctx, "identity deleted",
		"module", "admin",
		"operation", action,
		"outcome", "success",
		"actor_id", actorID,
		"target_id", targetID,
		"posts", result.Posts,
		"sessions", result.Sessions,
		"accounts", result.Accounts,
	)

	if g.avatars != nil && target.AvatarKey != "" {
		if err := g.avatars.Remove(ctx, target.AvatarKey); err != nil {
			slog.Default().WarnContext(ctx, "avatar cleanup failed",
				"module", "admin",
				"operation", action,
				"target_id", targetID,
				"error", err,
			)
		}
	}
	g.publish(ctx, mq.ChannelIdentityDeleted, IdentityDeleted{
		ActorID:  actorID,
		TargetID: targetID,
		Email:    target.Email,
		Deleted:  result,
	})
	return result, nil
}

// RequireAdmin re-reads the actor and succeeds only for a stored admin.
// Admin reads use it so a demoted session cannot keep listing identities.
func (g *Gate) RequireAdmin(ctx context.Context, actorID uuid.UUID) error {
	if actorID == uuid.Nil {
		return auth.ErrForbidden
	}
	actor, err := g.identities.FindIdentityByID(ctx, actorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return auth.ErrForbidden
		}
		return fmt.Errorf("%w: load actor: %v", auth.ErrStorageUnavailable, err)
	}
	if !authz.IsAdmin(actor.Role) {
		return auth.ErrForbidden
	}
	return nil
}

// authorize re-reads the actor and rejects self-targeting. A storage error
// denies the action.
func (g *Gate) authorize(ctx context.Context, actorID, targetID uuid.UUID) error {
	if err := g.RequireAdmin(ctx, actorID); err != nil {
		return err
	}
	if actorID == targetID {
		return auth.ErrInvalidOperation
	}
	return nil
}

func (g *Gate) reject(ctx context.Context, action string, err error) error {
	outcome := "error"
	switch {
	case errors.Is(err, auth.ErrForbidden):
		outcome = "forbidden"
	case errors.Is(err, auth.ErrInvalidOperation):
		outcome = "self_action"
	case errors.Is(err, store.ErrNotFound):
		outcome = "not_found"
	case errors.Is(err, ErrUnknownRole):
		outcome = "invalid_role"
	}
	g.metrics.AdminAction(action, outcome)

	level := slog.LevelWarn
	if outcome == "error" {
		level = slog.LevelError
	}
	slog.Default().Log(ctx, level, "admin action rejected",
		"module", "admin",
		"operation", action,
		"outcome", outcome,
		"error", err,
	)
	return err
}

func (g *Gate) publish(ctx context.Context, channel string, payload any) {
	if g.events == nil {
		return
	}
	if err := g.events.Publish(ctx, channel, payload); err != nil {
		slog.Default().WarnContext(ctx, "event publish failed",
			"module", "admin",
			"operation", "publish",
			"channel", channel,
			"error", err,
		)
	}
}

func lookupError(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return store.ErrNotFound
	}
	return fmt.Errorf("%w: %v", auth.ErrStorageUnavailable, err)
}
