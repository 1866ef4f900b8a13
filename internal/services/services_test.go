package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/memberboard/apiserver/internal/auth"
	"github.com/memberboard/apiserver/internal/mq"
	"github.com/memberboard/apiserver/internal/storage"
	"github.com/memberboard/apiserver/internal/store"
	"github.com/memberboard/apiserver/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "services-test-secret-0123456789abcdef"

type userFixture struct {
	identities *memoryIdentities
	tokens     *memoryVerifications
	records    *memoryRecords
	backend    *mq.MemoryBackend
	objects    *storage.MemoryStore
	service    *UserService
}

func newUserFixture(t *testing.T) *userFixture {
	t.Helper()
	identities := newMemoryIdentities()
	tokens := &memoryVerifications{identities: identities, tokens: map[string]types.VerificationToken{}}
	backend := mq.NewMemoryBackend()
	objects := storage.NewMemoryStore("avatars")
	records := newMemoryRecords()
	service := NewUserService(
		identities,
		tokens,
		records,
		auth.NewHasher(bcrypt.MinCost),
		mq.NewPublisher(backend),
		storage.NewAvatars(objects),
		"https://board.example.com/",
	)
	return &userFixture{identities: identities, tokens: tokens, records: records, backend: backend, objects: objects, service: service}
}

// lastToken decodes the secret from the newest event on channel.
func (f *userFixture) lastToken(t *testing.T, channel string) EmailToken {
	t.Helper()
	published := f.backend.Published(channel)
	require.NotEmpty(t, published)
	var event mq.Event
	require.NoError(t, json.Unmarshal(published[len(published)-1].Data, &event))
	var payload EmailToken
	require.NoError(t, json.Unmarshal(event.Data, &payload))
	return payload
}

func TestRegisterCreatesUnverifiedIdentity(t *testing.T) {
	f := newUserFixture(t)

	identity, err := f.service.Register(context.Background(), " new@example.com ", "secret123", "New")
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", identity.Email)
	assert.False(t, identity.Verified())
	assert.Equal(t, types.RoleUser, identity.Role)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(identity.PasswordHash), []byte("secret123")))

	payload := f.lastToken(t, mq.ChannelEmailVerification)
	assert.Equal(t, "new@example.com", payload.Email)
	assert.True(t, strings.HasPrefix(payload.Link, "https://board.example.com/verify-email?token="))
	assert.Contains(t, payload.Link, url.QueryEscape(payload.Token))
	assert.NotContains(t, f.tokens.tokens, payload.Token, "secret must not be stored in clear")
}

func TestRegisterValidation(t *testing.T) {
	f := newUserFixture(t)

	_, err := f.service.Register(context.Background(), "not-an-email", "secret123", "")
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.service.Register(context.Background(), "weak@example.com", "short", "")
	require.ErrorIs(t, err, auth.ErrWeakPassword)

	_, err = f.service.Register(context.Background(), "dup@example.com", "secret123", "")
	require.NoError(t, err)
	_, err = f.service.Register(context.Background(), "dup@example.com", "secret123", "")
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestVerifyEmailFlow(t *testing.T) {
	f := newUserFixture(t)
	_, err := f.service.Register(context.Background(), "new@example.com", "secret123", "")
	require.NoError(t, err)
	token := f.lastToken(t, mq.ChannelEmailVerification).Token

	identity, err := f.service.VerifyEmail(context.Background(), token)
	require.NoError(t, err)
	assert.True(t, identity.Verified())

	_, err = f.service.VerifyEmail(context.Background(), token)
	require.ErrorIs(t, err, ErrInvalidVerificationToken)
}

func TestVerifyEmailExpired(t *testing.T) {
	f := newUserFixture(t)
	_, err := f.service.Register(context.Background(), "late@example.com", "secret123", "")
	require.NoError(t, err)
	token := f.lastToken(t, mq.ChannelEmailVerification).Token

	f.service.now = func() time.Time { return time.Now().Add(emailVerificationTTL + time.Minute) }
	_, err = f.service.VerifyEmail(context.Background(), token)
	require.ErrorIs(t, err, ErrVerificationExpired)
}

func TestResendVerificationIsSilentForUnknownAndVerified(t *testing.T) {
	f := newUserFixture(t)
	now := time.Now()
	f.identities.add(types.Identity{Email: "done@example.com", EmailVerifiedAt: &now})

	require.NoError(t, f.service.ResendVerification(context.Background(), "nobody@example.com"))
	require.NoError(t, f.service.ResendVerification(context.Background(), "done@example.com"))
	assert.Empty(t, f.backend.Published(mq.ChannelEmailVerification))

	f.identities.add(types.Identity{Email: "pending@example.com"})
	require.NoError(t, f.service.ResendVerification(context.Background(), "pending@example.com"))
	assert.Len(t, f.backend.Published(mq.ChannelEmailVerification), 1)
}

func TestPasswordReset(t *testing.T) {
	f := newUserFixture(t)
	f.identities.add(types.Identity{Email: "member@example.com", PasswordHash: "old"})

	require.NoError(t, f.service.ForgotPassword(context.Background(), "member@example.com"))
	require.NoError(t, f.service.ForgotPassword(context.Background(), "nobody@example.com"))
	require.Len(t, f.backend.Published(mq.ChannelPasswordReset), 1)
	token := f.lastToken(t, mq.ChannelPasswordReset).Token

	require.ErrorIs(t, f.service.ResetPassword(context.Background(), token, "weak"), auth.ErrWeakPassword)
	require.NoError(t, f.service.ResetPassword(context.Background(), token, "newpass123"))

	identity, err := f.identities.FindIdentityByEmail(context.Background(), "member@example.com")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(identity.PasswordHash), []byte("newpass123")))

	require.ErrorIs(t, f.service.ResetPassword(context.Background(), token, "again1234"), ErrInvalidVerificationToken)
}

func TestUploadAvatarReplacesPrevious(t *testing.T) {
	f := newUserFixture(t)
	identity := f.identities.add(types.Identity{Email: "pic@example.com"})

	first, err := f.service.UploadAvatar(context.Background(), identity.ID, strings.NewReader("one"), 3, "image/png")
	require.NoError(t, err)
	second, err := f.service.UploadAvatar(context.Background(), identity.ID, strings.NewReader("two"), 3, "image/jpeg")
	require.NoError(t, err)

	assert.NotEqual(t, first.AvatarKey, second.AvatarKey)
	assert.Equal(t, 1, f.objects.Len())

	_, err = f.service.UploadAvatar(context.Background(), identity.ID, strings.NewReader("x"), 1, "application/pdf")
	require.ErrorIs(t, err, storage.ErrUnsupportedImage)
}

func TestUpdateProfileTooLong(t *testing.T) {
	f := newUserFixture(t)
	identity := f.identities.add(types.Identity{Email: "name@example.com"})

	_, err := f.service.UpdateProfile(context.Background(), identity.ID, strings.Repeat("a", maxDisplayNameLength+1))
	require.ErrorIs(t, err, ErrInvalidInput)

	updated, err := f.service.UpdateProfile(context.Background(), identity.ID, "  Renamed ")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.DisplayName)
}

type sessionFixture struct {
	identities *memoryIdentities
	accounts   *memoryAccounts
	records    *memoryRecords
	service    *SessionService
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	identities := newMemoryIdentities()
	hasher := auth.NewHasher(bcrypt.MinCost)
	verifier, err := auth.NewVerifier(identities, hasher, nil)
	require.NoError(t, err)
	codec, err := auth.NewSessionCodec(testSecret)
	require.NoError(t, err)
	accounts := &memoryAccounts{identities: identities}
	records := newMemoryRecords()
	return &sessionFixture{
		identities: identities,
		accounts:   accounts,
		records:    records,
		service:    NewSessionService(verifier, codec, identities, accounts, records),
	}
}

func TestLoginIssuesSessionAndRecordsIt(t *testing.T) {
	f := newSessionFixture(t)
	hash, err := auth.NewHasher(bcrypt.MinCost).Hash("secret123")
	require.NoError(t, err)
	now := time.Now()
	identity := f.identities.add(types.Identity{Email: "member@example.com", PasswordHash: hash, EmailVerifiedAt: &now})

	issued, err := f.service.Login(context.Background(), "member@example.com", "secret123", ClientInfo{IPAddress: "203.0.113.9"})
	require.NoError(t, err)
	assert.NotEmpty(t, issued.Token)
	assert.Equal(t, identity.ID, issued.Session.IdentityID)
	assert.Equal(t, "203.0.113.9", f.records.records[issued.Session.ID].IPAddress)

	require.NoError(t, f.service.Logout(context.Background(), issued.Session))
	assert.Empty(t, f.records.records)
}

func TestLoginUnverified(t *testing.T) {
	f := newSessionFixture(t)
	hash, err := auth.NewHasher(bcrypt.MinCost).Hash("secret123")
	require.NoError(t, err)
	f.identities.add(types.Identity{Email: "new@example.com", PasswordHash: hash})

	_, err = f.service.Login(context.Background(), "new@example.com", "secret123", ClientInfo{})
	require.ErrorIs(t, err, auth.ErrUnverified)
	assert.Empty(t, f.records.records)
}

func TestRefreshPicksUpRoleChange(t *testing.T) {
	f := newSessionFixture(t)
	now := time.Now()
	identity := f.identities.add(types.Identity{Email: "member@example.com", PasswordHash: "x", EmailVerifiedAt: &now})

	codec, err := auth.NewSessionCodec(testSecret)
	require.NoError(t, err)
	_, session, err := codec.Issue(identity)
	require.NoError(t, err)

	identity.Role = types.RoleAdmin
	f.identities.add(identity)

	refreshed, err := f.service.Refresh(context.Background(), session)
	require.NoError(t, err)
	assert.Equal(t, types.RoleAdmin, refreshed.Session.Role)
	assert.Equal(t, session.ID, refreshed.Session.ID)
}

func TestRefreshDeletedIdentity(t *testing.T) {
	f := newSessionFixture(t)
	_, err := f.service.Refresh(context.Background(), types.Session{ID: "x", IdentityID: uuid.New()})
	require.ErrorIs(t, err, auth.ErrInvalidToken)

	f.identities.err = errors.New("down")
	_, err = f.service.Refresh(context.Background(), types.Session{ID: "x", IdentityID: uuid.New()})
	require.ErrorIs(t, err, auth.ErrStorageUnavailable)
}

func TestSignInExternalCreatesVerifiedIdentityWithoutPassword(t *testing.T) {
	f := newSessionFixture(t)
	ext := ExternalIdentity{Provider: "google", Subject: "sub-1", Email: "oauth@example.com", EmailVerified: true, Name: "OAuth"}

	issued, err := f.service.SignInExternal(context.Background(), ext, ClientInfo{})
	require.NoError(t, err)

	identity, err := f.identities.FindIdentityByID(context.Background(), issued.Session.IdentityID)
	require.NoError(t, err)
	assert.True(t, identity.Verified())
	assert.False(t, identity.HasPassword())
	require.Len(t, f.accounts.accounts, 1)

	again, err := f.service.SignInExternal(context.Background(), ext, ClientInfo{})
	require.NoError(t, err)
	assert.Equal(t, issued.Session.IdentityID, again.Session.IdentityID)
	assert.Len(t, f.accounts.accounts, 1)

	_, err = f.service.Login(context.Background(), "oauth@example.com", "anything1", ClientInfo{})
	require.ErrorIs(t, err, auth.ErrNoSuchCredential)
}

func TestSignInExternalLinksExistingIdentity(t *testing.T) {
	f := newSessionFixture(t)
	existing := f.identities.add(types.Identity{Email: "member@example.com", PasswordHash: "hash"})

	issued, err := f.service.SignInExternal(context.Background(), ExternalIdentity{
		Provider: "google", Subject: "sub-2", Email: "member@example.com", EmailVerified: true,
	}, ClientInfo{})
	require.NoError(t, err)
	assert.Equal(t, existing.ID, issued.Session.IdentityID)

	identity, err := f.identities.FindIdentityByID(context.Background(), existing.ID)
	require.NoError(t, err)
	assert.True(t, identity.Verified())
}

func TestSignInExternalDropsPasswordOfUnverifiedRegistration(t *testing.T) {
	f := newSessionFixture(t)
	hash, err := auth.NewHasher(bcrypt.MinCost).Hash("squatter123")
	require.NoError(t, err)
	existing := f.identities.add(types.Identity{Email: "owner@example.com", PasswordHash: hash})

	issued, err := f.service.SignInExternal(context.Background(), ExternalIdentity{
		Provider: "google", Subject: "owner-sub", Email: "owner@example.com", EmailVerified: true,
	}, ClientInfo{})
	require.NoError(t, err)
	assert.Equal(t, existing.ID, issued.Session.IdentityID)

	identity, err := f.identities.FindIdentityByID(context.Background(), existing.ID)
	require.NoError(t, err)
	assert.True(t, identity.Verified())
	assert.False(t, identity.HasPassword())

	_, err = f.service.Login(context.Background(), "owner@example.com", "squatter123", ClientInfo{})
	require.ErrorIs(t, err, auth.ErrNoSuchCredential)
}

func TestSignInExternalKeepsPasswordOfVerifiedIdentity(t *testing.T) {
	f := newSessionFixture(t)
	hash, err := auth.NewHasher(bcrypt.MinCost).Hash("secret123")
	require.NoError(t, err)
	now := time.Now()
	existing := f.identities.add(types.Identity{Email: "member@example.com", PasswordHash: hash, EmailVerifiedAt: &now})

	_, err = f.service.SignInExternal(context.Background(), ExternalIdentity{
		Provider: "google", Subject: "member-sub", Email: "member@example.com", EmailVerified: true,
	}, ClientInfo{})
	require.NoError(t, err)
	require.Len(t, f.accounts.accounts, 1)

	issued, err := f.service.Login(context.Background(), "member@example.com", "secret123", ClientInfo{})
	require.NoError(t, err)
	assert.Equal(t, existing.ID, issued.Session.IdentityID)
}

func TestLogoutAllRemovesEveryRecordOfIdentity(t *testing.T) {
	f := newSessionFixture(t)
	hash, err := auth.NewHasher(bcrypt.MinCost).Hash("secret123")
	require.NoError(t, err)
	now := time.Now()
	f.identities.add(types.Identity{Email: "member@example.com", PasswordHash: hash, EmailVerifiedAt: &now})
	f.identities.add(types.Identity{Email: "other@example.com", PasswordHash: hash, EmailVerifiedAt: &now})

	first, err := f.service.Login(context.Background(), "member@example.com", "secret123", ClientInfo{})
	require.NoError(t, err)
	_, err = f.service.Login(context.Background(), "member@example.com", "secret123", ClientInfo{})
	require.NoError(t, err)
	other, err := f.service.Login(context.Background(), "other@example.com", "secret123", ClientInfo{})
	require.NoError(t, err)

	removed, err := f.service.LogoutAll(context.Background(), first.Session)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
	require.Len(t, f.records.records, 1)
	assert.Contains(t, f.records.records, other.Session.ID)
}

func TestSignInExternalRequiresVerifiedEmail(t *testing.T) {
	f := newSessionFixture(t)

	_, err := f.service.SignInExternal(context.Background(), ExternalIdentity{
		Provider: "google", Subject: "sub-3", Email: "x@example.com", EmailVerified: false,
	}, ClientInfo{})
	require.ErrorIs(t, err, auth.ErrUnverified)
	assert.Empty(t, f.accounts.accounts)
}

func TestSummaryCountsPostsAndActiveSessions(t *testing.T) {
	f := newUserFixture(t)
	identity := f.identities.add(types.Identity{Email: "busy@example.com"})
	f.identities.posts[identity.ID] = 3
	now := time.Now()
	f.records.records["live"] = store.SessionRecord{ID: "live", IdentityID: identity.ID, ExpiresAt: now.Add(time.Hour)}
	f.records.records["old"] = store.SessionRecord{ID: "old", IdentityID: identity.ID, ExpiresAt: now.Add(-time.Hour)}
	f.records.records["other"] = store.SessionRecord{ID: "other", IdentityID: uuid.New(), ExpiresAt: now.Add(time.Hour)}

	summary, err := f.service.Summary(context.Background(), identity.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.PostCount)
	assert.Equal(t, 1, summary.ActiveSessions)
}
