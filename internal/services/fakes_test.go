package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/memberboard/apiserver/internal/store"
	"github.com/memberboard/apiserver/types"
)

type memoryIdentities struct {
	mu         sync.Mutex
	byID       map[uuid.UUID]types.Identity
	posts      map[uuid.UUID]int
	err        error
	avatarKeys []string
}

func newMemoryIdentities() *memoryIdentities {
	return &memoryIdentities{byID: map[uuid.UUID]types.Identity{}, posts: map[uuid.UUID]int{}}
}

func (m *memoryIdentities) add(identity types.Identity) types.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	if identity.ID == uuid.Nil {
		identity.ID = uuid.New()
	}
	if identity.Role == "" {
		identity.Role = types.RoleUser
	}
	m.byID[identity.ID] = identity
	return identity
}

func (m *memoryIdentities) FindIdentityByEmail(_ context.Context, email string) (types.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return types.Identity{}, m.err
	}
	for _, identity := range m.byID {
		if identity.Email == email {
			return identity, nil
		}
	}
	return types.Identity{}, store.ErrNotFound
}

func (m *memoryIdentities) FindIdentityByID(_ context.Context, id uuid.UUID) (types.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return types.Identity{}, m.err
	}
	identity, ok := m.byID[id]
	if !ok {
		return types.Identity{}, store.ErrNotFound
	}
	return identity, nil
}

func (m *memoryIdentities) CreateIdentity(ctx context.Context, identity types.Identity) (types.Identity, error) {
	if _, err := m.FindIdentityByEmail(ctx, identity.Email); err == nil {
		return types.Identity{}, store.ErrConflict
	}
	return m.add(identity), nil
}

func (m *memoryIdentities) UpdateProfile(_ context.Context, id uuid.UUID, displayName string) (types.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.byID[id]
	if !ok {
		return types.Identity{}, store.ErrNotFound
	}
	identity.DisplayName = displayName
	m.byID[id] = identity
	return identity, nil
}

func (m *memoryIdentities) SetAvatarKey(_ context.Context, id uuid.UUID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	identity.AvatarKey = key
	m.byID[id] = identity
	m.avatarKeys = append(m.avatarKeys, key)
	return nil
}

func (m *memoryIdentities) MarkEmailVerified(_ context.Context, email string, at time.Time) (types.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, identity := range m.byID {
		if identity.Email == email {
			if identity.EmailVerifiedAt == nil {
				identity.EmailVerifiedAt = &at
				m.byID[id] = identity
			}
			return identity, nil
		}
	}
	return types.Identity{}, store.ErrNotFound
}

func (m *memoryIdentities) ListIdentities(_ context.Context, offset, limit int) ([]types.IdentitySummary, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]types.IdentitySummary, 0, len(m.byID))
	for _, identity := range m.byID {
		items = append(items, types.IdentitySummary{Identity: identity, PostCount: m.posts[identity.ID]})
	}
	return items, len(items), nil
}

func (m *memoryIdentities) CountPostsByOwner(_ context.Context, id uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.posts[id], nil
}

type memoryVerifications struct {
	identities *memoryIdentities
	tokens     map[string]types.VerificationToken
}

func (m *memoryVerifications) Create(_ context.Context, token types.VerificationToken) error {
	for hash, existing := range m.tokens {
		if existing.Email == token.Email && existing.Purpose == token.Purpose {
			delete(m.tokens, hash)
		}
	}
	m.tokens[token.TokenHash] = token
	return nil
}

func (m *memoryVerifications) consume(hash string, purpose types.TokenPurpose, now time.Time) (string, error) {
	token, ok := m.tokens[hash]
	if !ok || token.Purpose != purpose {
		return "", store.ErrNotFound
	}
	delete(m.tokens, hash)
	if !now.Before(token.ExpiresAt) {
		return "", store.ErrExpired
	}
	return token.Email, nil
}

func (m *memoryVerifications) ConsumeEmailVerification(ctx context.Context, hash string, now time.Time) (types.Identity, error) {
	email, err := m.consume(hash, types.PurposeEmailVerification, now)
	if err != nil {
		return types.Identity{}, err
	}
	return m.identities.MarkEmailVerified(ctx, email, now)
}

func (m *memoryVerifications) ConsumePasswordReset(ctx context.Context, hash, passwordHash string, now time.Time) (types.Identity, error) {
	email, err := m.consume(hash, types.PurposePasswordReset, now)
	if err != nil {
		return types.Identity{}, err
	}
	identity, err := m.identities.FindIdentityByEmail(ctx, email)
	if err != nil {
		return types.Identity{}, err
	}
	identity.PasswordHash = passwordHash
	m.identities.add(identity)
	return identity, nil
}

type memoryAccounts struct {
	identities *memoryIdentities
	accounts   []types.Account
}

func (m *memoryAccounts) FindByProvider(_ context.Context, provider, subject string) (types.Account, error) {
	for _, account := range m.accounts {
		if account.Provider == provider && account.ProviderAccountID == subject {
			return account, nil
		}
	}
	return types.Account{}, store.ErrNotFound
}

func (m *memoryAccounts) Link(_ context.Context, identityID uuid.UUID, provider, subject string) (types.Account, error) {
	account := types.Account{ID: int64(len(m.accounts) + 1), IdentityID: identityID, Provider: provider, ProviderAccountID: subject}
	m.accounts = append(m.accounts, account)
	return account, nil
}

func (m *memoryAccounts) CreateIdentityWithAccount(ctx context.Context, identity types.Identity, provider, subject string) (types.Identity, error) {
	created, err := m.identities.CreateIdentity(ctx, identity)
	if err != nil {
		return types.Identity{}, err
	}
	if _, err := m.Link(ctx, created.ID, provider, subject); err != nil {
		return types.Identity{}, err
	}
	return created, nil
}

func (m *memoryAccounts) ClaimUnverifiedIdentity(ctx context.Context, identityID uuid.UUID, provider, subject string, at time.Time) (types.Identity, error) {
	identity, err := m.identities.FindIdentityByID(ctx, identityID)
	if err != nil {
		return types.Identity{}, err
	}
	if _, err := m.Link(ctx, identityID, provider, subject); err != nil {
		return types.Identity{}, err
	}
	if identity.EmailVerifiedAt == nil {
		identity.EmailVerifiedAt = &at
		identity.PasswordHash = ""
	}
	return m.identities.add(identity), nil
}

type memoryRecords struct {
	records map[string]store.SessionRecord
}

func newMemoryRecords() *memoryRecords {
	return &memoryRecords{records: map[string]store.SessionRecord{}}
}

func (m *memoryRecords) Create(_ context.Context, rec store.SessionRecord) error {
	m.records[rec.ID] = rec
	return nil
}

func (m *memoryRecords) Delete(_ context.Context, id string) error {
	delete(m.records, id)
	return nil
}

func (m *memoryRecords) DeleteByIdentity(_ context.Context, identityID uuid.UUID) (int64, error) {
	var removed int64
	for id, rec := range m.records {
		if rec.IdentityID == identityID {
			delete(m.records, id)
			removed++
		}
	}
	return removed, nil
}

func (m *memoryRecords) CountActive(_ context.Context, identityID uuid.UUID, now time.Time) (int, error) {
	count := 0
	for _, rec := range m.records {
		if rec.IdentityID == identityID && rec.ExpiresAt.After(now) {
			count++
		}
	}
	return count, nil
}

type memoryPosts struct {
	posts  map[int64]types.Post
	nextID int64
	err    error
}

func newMemoryPosts() *memoryPosts {
	return &memoryPosts{posts: map[int64]types.Post{}}
}

func (m *memoryPosts) List(_ context.Context, offset, limit int) ([]types.Post, int, error) {
	items := make([]types.Post, 0, len(m.posts))
	for _, post := range m.posts {
		items = append(items, post)
	}
	return items, len(items), m.err
}

func (m *memoryPosts) Get(_ context.Context, id int64) (types.Post, error) {
	if m.err != nil {
		return types.Post{}, m.err
	}
	post, ok := m.posts[id]
	if !ok {
		return types.Post{}, store.ErrNotFound
	}
	return post, nil
}

func (m *memoryPosts) Create(_ context.Context, post types.Post) (types.Post, error) {
	m.nextID++
	post.ID = m.nextID
	m.posts[post.ID] = post
	return post, nil
}

func (m *memoryPosts) Update(_ context.Context, post types.Post) (types.Post, error) {
	if _, ok := m.posts[post.ID]; !ok {
		return types.Post{}, store.ErrNotFound
	}
	m.posts[post.ID] = post
	return post, nil
}

func (m *memoryPosts) Delete(_ context.Context, id int64) error {
	if _, ok := m.posts[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.posts, id)
	return nil
}
