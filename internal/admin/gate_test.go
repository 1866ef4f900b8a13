package admin

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/memberboard/apiserver/internal/auth"
	"github.com/memberboard/apiserver/internal/mq"
	"github.com/memberboard/apiserver/internal/store"
	"github.com/memberboard/apiserver/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	identities map[uuid.UUID]types.Identity
	posts      map[uuid.UUID]int
	accounts   map[uuid.UUID]int
	findErr    error
	mutations  int
}

func newFakeStore(identities ...types.Identity) *fakeStore {
	s := &fakeStore{
		identities: map[uuid.UUID]types.Identity{},
		posts:      map[uuid.UUID]int{},
		accounts:   map[uuid.UUID]int{},
	}
	for _, identity := range identities {
		s.identities[identity.ID] = identity
	}
	return s
}

func (s *fakeStore) FindIdentityByID(_ context.Context, id uuid.UUID) (types.Identity, error) {
	if s.findErr != nil {
		return types.Identity{}, s.findErr
	}
	identity, ok := s.identities[id]
	if !ok {
		return types.Identity{}, store.ErrNotFound
	}
	return identity, nil
}

func (s *fakeStore) UpdateIdentityRole(_ context.Context, id uuid.UUID, role types.Role) (types.Identity, error) {
	s.mutations++
	identity, ok := s.identities[id]
	if !ok {
		return types.Identity{}, store.ErrNotFound
	}
	identity.Role = role
	s.identities[id] = identity
	return identity, nil
}

func (s *fakeStore) DeleteIdentityCascade(_ context.Context, id uuid.UUID) (store.CascadeResult, error) {
	s.mutations++
	if _, ok := s.identities[id]; !ok {
		return store.CascadeResult{}, store.ErrNotFound
	}
	result := store.CascadeResult{
		Posts:    int64(s.posts[id]),
		Accounts: int64(s.accounts[id]),
	}
	delete(s.identities, id)
	delete(s.posts, id)
	delete(s.accounts, id)
	return result, nil
}

type fakeAvatars struct {
	removed []string
	err     error
}

func (f *fakeAvatars) Remove(_ context.Context, key string) error {
	f.removed = append(f.removed, key)
	return f.err
}

func identity(role types.Role) types.Identity {
	return types.Identity{ID: uuid.New(), Email: uuid.NewString() + "@example.com", Role: role}
}

func TestAdminCannotDeleteSelf(t *testing.T) {
	admin := identity(types.RoleAdmin)
	s := newFakeStore(admin)
	gate := NewGate(s, nil, nil, nil)

	_, err := gate.DeleteIdentity(context.Background(), admin.ID, admin.ID)
	require.ErrorIs(t, err, auth.ErrInvalidOperation)
	assert.Zero(t, s.mutations)
	assert.Contains(t, s.identities, admin.ID)
}

func TestAdminCannotChangeOwnRole(t *testing.T) {
	admin := identity(types.RoleAdmin)
	s := newFakeStore(admin)
	gate := NewGate(s, nil, nil, nil)

	for _, role := range []types.Role{types.RoleUser, types.RoleAdmin} {
		_, err := gate.ChangeRole(context.Background(), admin.ID, admin.ID, role)
		require.ErrorIs(t, err, auth.ErrInvalidOperation)
	}
	assert.Zero(t, s.mutations)
}

func TestDeleteCascadesOwnedData(t *testing.T) {
	admin := identity(types.RoleAdmin)
	target := identity(types.RoleUser)
	target.AvatarKey = "avatars/target.png"
	s := newFakeStore(admin, target)
	s.posts[target.ID] = 3
	s.accounts[target.ID] = 1

	avatars := &fakeAvatars{}
	backend := mq.NewMemoryBackend()
	gate := NewGate(s, avatars, mq.NewPublisher(backend), nil)

	result, err := gate.DeleteIdentity(context.Background(), admin.ID, target.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.Posts)
	assert.Equal(t, int64(1), result.Accounts)
	assert.NotContains(t, s.identities, target.ID)
	assert.Equal(t, []string{"avatars/target.png"}, avatars.removed)
	assert.Len(t, backend.Published(mq.ChannelIdentityDeleted), 1)
}

func TestDeleteSucceedsWhenAvatarCleanupFails(t *testing.T) {
	admin := identity(types.RoleAdmin)
	target := identity(types.RoleUser)
	target.AvatarKey = "avatars/target.png"
	s := newFakeStore(admin, target)

	gate := NewGate(s, &fakeAvatars{err: errors.New("bucket gone")}, nil, nil)

	_, err := gate.DeleteIdentity(context.Background(), admin.ID, target.ID)
	require.NoError(t, err)
}

func TestNonAdminIsForbidden(t *testing.T) {
	user := identity(types.RoleUser)
	target := identity(types.RoleUser)
	s := newFakeStore(user, target)
	gate := NewGate(s, nil, nil, nil)

	_, err := gate.DeleteIdentity(context.Background(), user.ID, target.ID)
	require.ErrorIs(t, err, auth.ErrForbidden)
	_, err = gate.ChangeRole(context.Background(), user.ID, target.ID, types.RoleAdmin)
	require.ErrorIs(t, err, auth.ErrForbidden)
	assert.Zero(t, s.mutations)
}

func TestDemotedAdminIsForbidden(t *testing.T) {
	// The session still claims admin but storage says otherwise.
	actor := identity(types.RoleUser)
	target := identity(types.RoleUser)
	s := newFakeStore(actor, target)
	gate := NewGate(s, nil, nil, nil)

	_, err := gate.ChangeRole(context.Background(), actor.ID, target.ID, types.RoleAdmin)
	require.ErrorIs(t, err, auth.ErrForbidden)
}

func TestUnknownActorIsForbidden(t *testing.T) {
	target := identity(types.RoleUser)
	s := newFakeStore(target)
	gate := NewGate(s, nil, nil, nil)

	_, err := gate.DeleteIdentity(context.Background(), uuid.New(), target.ID)
	require.ErrorIs(t, err, auth.ErrForbidden)
	_, err = gate.DeleteIdentity(context.Background(), uuid.Nil, target.ID)
	require.ErrorIs(t, err, auth.ErrForbidden)
}

func TestStorageFailureFailsClosed(t *testing.T) {
	admin := identity(types.RoleAdmin)
	target := identity(types.RoleUser)
	s := newFakeStore(admin, target)
	s.findErr = errors.New("connection refused")
	gate := NewGate(s, nil, nil, nil)

	_, err := gate.DeleteIdentity(context.Background(), admin.ID, target.ID)
	require.ErrorIs(t, err, auth.ErrStorageUnavailable)
	assert.Zero(t, s.mutations)
}

func TestMissingTarget(t *testing.T) {
	admin := identity(types.RoleAdmin)
	s := newFakeStore(admin)
	gate := NewGate(s, nil, nil, nil)

	_, err := gate.DeleteIdentity(context.Background(), admin.ID, uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, s.mutations)
}

func TestChangeRole(t *testing.T) {
	admin := identity(types.RoleAdmin)
	target := identity(types.RoleUser)
	s := newFakeStore(admin, target)
	backend := mq.NewMemoryBackend()
	gate := NewGate(s, nil, mq.NewPublisher(backend), nil)

	updated, err := gate.ChangeRole(context.Background(), admin.ID, target.ID, types.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, types.RoleAdmin, updated.Role)
	assert.Len(t, backend.Published(mq.ChannelRoleChanged), 1)

	_, err = gate.ChangeRole(context.Background(), admin.ID, target.ID, types.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, 1, s.mutations)
}

func TestChangeRoleRejectsUnknownRole(t *testing.T) {
	admin := identity(types.RoleAdmin)
	target := identity(types.RoleUser)
	s := newFakeStore(admin, target)
	gate := NewGate(s, nil, nil, nil)

	_, err := gate.ChangeRole(context.Background(), admin.ID, target.ID, types.Role("moderator"))
	require.ErrorIs(t, err, ErrUnknownRole)
	assert.Zero(t, s.mutations)
}

func TestRequireAdmin(t *testing.T) {
	admin := identity(types.RoleAdmin)
	user := identity(types.RoleUser)
	s := newFakeStore(admin, user)
	gate := NewGate(s, nil, nil, nil)

	require.NoError(t, gate.RequireAdmin(context.Background(), admin.ID))
	require.ErrorIs(t, gate.RequireAdmin(context.Background(), user.ID), auth.ErrForbidden)
	require.ErrorIs(t, gate.RequireAdmin(context.Background(), uuid.Nil), auth.ErrForbidden)

	s.findErr = errors.New("timeout")
	require.ErrorIs(t, gate.RequireAdmin(context.Background(), admin.ID), auth.ErrStorageUnavailable)
}
