package rp

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heroku/webauthn-rp/storage"
	"github.com/heroku/webauthn-rp/storage/memory"
	"github.com/heroku/webauthn-rp/webauthn"
	"github.com/heroku/webauthn-rp/webauthn/webauthntest"
)

const (
	testRPID   = "login.example.com"
	testOrigin = "https://login.example.com"
	testEmail  = "alice@example.com"
)

func newTestService(t *testing.T) (*Service, *fakeClock, *memory.Storage) {
	t.Helper()

	store := memory.New()
	clock := &fakeClock{t: time.Date(2020, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc, err := New(&Config{
		RPID:    testRPID,
		RPName:  "Example Login",
		Origin:  testOrigin,
		Storage: store,
		Now:     clock.Now,
	})
	require.NoError(t, err)
	return svc, clock, store
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func enroll(t *testing.T, svc *Service, a *webauthntest.Authenticator, email string) {
	t.Helper()

	ctx := context.Background()
	opts, err := svc.BeginRegistration(ctx, email)
	require.NoError(t, err)

	cred, err := a.Attest(opts)
	require.NoError(t, err)

	require.NoError(t, svc.FinishRegistration(ctx, email, opts.Challenge, cred))
}

func TestService_RegisterThenAuthenticate(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	a, err := webauthntest.New(testRPID, testOrigin)
	require.NoError(t, err)

	// First contact creates the account.
	opts, err := svc.BeginRegistration(ctx, testEmail)
	require.NoError(t, err)
	assert.Equal(t, testRPID, opts.RP.ID)
	assert.Equal(t, testEmail, opts.User.Name)
	assert.NotEmpty(t, opts.User.ID)
	assert.Len(t, []byte(opts.Challenge), webauthn.ChallengeLength)
	assert.Empty(t, opts.ExcludeCredentials)
	assert.EqualValues(t, 60000, opts.Timeout)

	cred, err := a.Attest(opts)
	require.NoError(t, err)
	require.NoError(t, svc.FinishRegistration(ctx, testEmail, opts.Challenge, cred))

	// The stored credential starts at the attested counter.
	u, _, err := svc.accounts.get(ctx, testEmail)
	require.NoError(t, err)
	require.Len(t, u.Credentials, 1)
	assert.EqualValues(t, 0, u.Credentials[0].SignCount)

	authOpts, err := svc.BeginAuthentication(ctx, testEmail)
	require.NoError(t, err)
	require.Len(t, authOpts.AllowCredentials, 1)
	assert.EqualValues(t, a.CredentialID, []byte(authOpts.AllowCredentials[0].ID))
	assert.Equal(t, testRPID, authOpts.RPID)

	assertion, err := a.Assert(authOpts)
	require.NoError(t, err)
	require.NoError(t, svc.FinishAuthentication(ctx, testEmail, authOpts.Challenge, assertion))

	u, _, err = svc.accounts.get(ctx, testEmail)
	require.NoError(t, err)
	assert.EqualValues(t, 1, u.Credentials[0].SignCount)
}

func TestService_ChallengeReplay(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	a, err := webauthntest.New(testRPID, testOrigin)
	require.NoError(t, err)

	opts, err := svc.BeginRegistration(ctx, testEmail)
	require.NoError(t, err)
	cred, err := a.Attest(opts)
	require.NoError(t, err)

	require.NoError(t, svc.FinishRegistration(ctx, testEmail, opts.Challenge, cred))

	// The identical finish call a second time must not succeed.
	err = svc.FinishRegistration(ctx, testEmail, opts.Challenge, cred)
	require.Error(t, err)
	assert.Equal(t, ErrChallengeMismatch, errors.Cause(err))
}

func TestService_ChallengeConsumedOnFailure(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	a, err := webauthntest.New(testRPID, testOrigin)
	require.NoError(t, err)

	opts, err := svc.BeginRegistration(ctx, testEmail)
	require.NoError(t, err)

	// Attest over the wrong challenge; verification fails but the stored
	// challenge is still spent.
	wrongOpts := *opts
	wrongChallenge, err := webauthn.NewChallenge()
	require.NoError(t, err)
	wrongOpts.Challenge = wrongChallenge
	cred, err := a.Attest(&wrongOpts)
	require.NoError(t, err)

	err = svc.FinishRegistration(ctx, testEmail, wrongChallenge, cred)
	require.Error(t, err)
	assert.Equal(t, ErrChallengeMismatch, errors.Cause(err))

	// Retrying with the right challenge fails too: it was cleared above.
	goodCred, err := a.Attest(opts)
	require.NoError(t, err)
	err = svc.FinishRegistration(ctx, testEmail, opts.Challenge, goodCred)
	require.Error(t, err)
	assert.Equal(t, ErrChallengeMismatch, errors.Cause(err))
}

func TestService_ChallengeExpiry(t *testing.T) {
	svc, clock, _ := newTestService(t)
	ctx := context.Background()

	a, err := webauthntest.New(testRPID, testOrigin)
	require.NoError(t, err)

	opts, err := svc.BeginRegistration(ctx, testEmail)
	require.NoError(t, err)
	cred, err := a.Attest(opts)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	err = svc.FinishRegistration(ctx, testEmail, opts.Challenge, cred)
	require.Error(t, err)
	assert.Equal(t, ErrChallengeMismatch, errors.Cause(err))
}

func TestService_ChallengeCeremonyBinding(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	a, err := webauthntest.New(testRPID, testOrigin)
	require.NoError(t, err)
	enroll(t, svc, a, testEmail)

	// Issue a registration challenge but present it to the authentication
	// finish endpoint.
	opts, err := svc.BeginRegistration(ctx, testEmail)
	require.NoError(t, err)

	assertion, err := a.Assert(&webauthn.PublicKeyCredentialRequestOptions{Challenge: opts.Challenge})
	require.NoError(t, err)

	err = svc.FinishAuthentication(ctx, testEmail, opts.Challenge, assertion)
	require.Error(t, err)
	assert.Equal(t, ErrChallengeMismatch, errors.Cause(err))
}

func TestService_DuplicateCredential(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	a, err := webauthntest.New(testRPID, testOrigin)
	require.NoError(t, err)
	enroll(t, svc, a, testEmail)

	// The same authenticator re-attests under another account.
	opts, err := svc.BeginRegistration(ctx, "bob@example.com")
	require.NoError(t, err)
	cred, err := a.Attest(opts)
	require.NoError(t, err)

	err = svc.FinishRegistration(ctx, "bob@example.com", opts.Challenge, cred)
	require.Error(t, err)
	assert.Equal(t, ErrDuplicateCredential, errors.Cause(err))
}

func TestService_SecondCredentialExcluded(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	a, err := webauthntest.New(testRPID, testOrigin)
	require.NoError(t, err)
	enroll(t, svc, a, testEmail)

	opts, err := svc.BeginRegistration(ctx, testEmail)
	require.NoError(t, err)
	require.Len(t, opts.ExcludeCredentials, 1)
	assert.EqualValues(t, a.CredentialID, []byte(opts.ExcludeCredentials[0].ID))

	// A different authenticator may still enroll.
	b, err := webauthntest.New(testRPID, testOrigin)
	require.NoError(t, err)
	cred, err := b.Attest(opts)
	require.NoError(t, err)
	require.NoError(t, svc.FinishRegistration(ctx, testEmail, opts.Challenge, cred))

	u, _, err := svc.accounts.get(ctx, testEmail)
	require.NoError(t, err)
	assert.Len(t, u.Credentials, 2)
}

func TestService_UnknownUser(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.BeginAuthentication(ctx, "nobody@example.com")
	require.Error(t, err)
	assert.Equal(t, ErrUserNotFound, errors.Cause(err))
}

func TestService_CredentialNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	a, err := webauthntest.New(testRPID, testOrigin)
	require.NoError(t, err)
	enroll(t, svc, a, testEmail)

	opts, err := svc.BeginAuthentication(ctx, testEmail)
	require.NoError(t, err)

	// Assert with a credential the repository has never seen.
	stranger, err := webauthntest.New(testRPID, testOrigin)
	require.NoError(t, err)
	assertion, err := stranger.Assert(opts)
	require.NoError(t, err)

	err = svc.FinishAuthentication(ctx, testEmail, opts.Challenge, assertion)
	require.Error(t, err)
	assert.Equal(t, ErrCredentialNotFound, errors.Cause(err))
}

func TestService_CredentialOwnedByOtherUser(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	a, err := webauthntest.New(testRPID, testOrigin)
	require.NoError(t, err)
	enroll(t, svc, a, testEmail)

	b, err := webauthntest.New(testRPID, testOrigin)
	require.NoError(t, err)
	enroll(t, svc, b, "bob@example.com")

	opts, err := svc.BeginAuthentication(ctx, "bob@example.com")
	require.NoError(t, err)

	// Alice's authenticator answers Bob's ceremony.
	assertion, err := a.Assert(opts)
	require.NoError(t, err)

	err = svc.FinishAuthentication(ctx, "bob@example.com", opts.Challenge, assertion)
	require.Error(t, err)
	assert.Equal(t, ErrCredentialNotFound, errors.Cause(err))
}

func TestService_CounterRollback(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	a, err := webauthntest.New(testRPID, testOrigin)
	require.NoError(t, err)
	enroll(t, svc, a, testEmail)

	// Authenticate once to move the stored counter to 1.
	opts, err := svc.BeginAuthentication(ctx, testEmail)
	require.NoError(t, err)
	assertion, err := a.Assert(opts)
	require.NoError(t, err)
	require.NoError(t, svc.FinishAuthentication(ctx, testEmail, opts.Challenge, assertion))

	// A clone starting from the original counter presents a stale value.
	a.Counter = 0
	opts, err = svc.BeginAuthentication(ctx, testEmail)
	require.NoError(t, err)
	assertion, err = a.Assert(opts)
	require.NoError(t, err)

	err = svc.FinishAuthentication(ctx, testEmail, opts.Challenge, assertion)
	require.Error(t, err)
	assert.Equal(t, webauthn.KindCounterRollback, webauthn.KindOf(err))
}

func TestService_EmptyEmail(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.BeginRegistration(ctx, "")
	require.Error(t, err)
	assert.Equal(t, ErrMalformedRequest, errors.Cause(err))
}

// hookedStorage lets a test interleave a conflicting write between a
// ceremony's read and its versioned update.
type hookedStorage struct {
	storage.Storage

	beforePut func(keyspace, key string, obj interface{})
}

func (h *hookedStorage) Put(ctx context.Context, keyspace, key string, version int64, obj interface{}) (int64, error) {
	if h.beforePut != nil {
		h.beforePut(keyspace, key, obj)
	}
	return h.Storage.Put(ctx, keyspace, key, version, obj)
}

func newHookedService(t *testing.T) (*Service, *hookedStorage, *memory.Storage) {
	t.Helper()

	store := memory.New()
	hooked := &hookedStorage{Storage: store}
	svc, err := New(&Config{
		RPID:    testRPID,
		RPName:  "Example Login",
		Origin:  testOrigin,
		Storage: hooked,
	})
	require.NoError(t, err)
	return svc, hooked, store
}

func TestService_ConcurrentConsumeConflicts(t *testing.T) {
	svc, hooked, store := newHookedService(t)
	ctx := context.Background()

	a, err := webauthntest.New(testRPID, testOrigin)
	require.NoError(t, err)

	opts, err := svc.BeginRegistration(ctx, testEmail)
	require.NoError(t, err)
	cred, err := a.Attest(opts)
	require.NoError(t, err)

	// Another ceremony touches the user document between the consume's
	// read and its compare-and-clear write. The clear must lose, and the
	// ceremony with it.
	fired := false
	hooked.beforePut = func(keyspace, key string, _ interface{}) {
		if fired || keyspace != keyspaceUsers {
			return
		}
		fired = true

		u := new(userRecord)
		version, err := store.Get(ctx, keyspaceUsers, key, u)
		require.NoError(t, err)
		_, err = store.Put(ctx, keyspaceUsers, key, version, u)
		require.NoError(t, err)
	}

	err = svc.FinishRegistration(ctx, testEmail, opts.Challenge, cred)
	require.Error(t, err)
	assert.Equal(t, ErrChallengeMismatch, errors.Cause(err))
	assert.True(t, fired)
}

func TestService_StaleCounterWriteRejected(t *testing.T) {
	svc, hooked, store := newHookedService(t)
	ctx := context.Background()

	a, err := webauthntest.New(testRPID, testOrigin)
	require.NoError(t, err)
	enroll(t, svc, a, testEmail)

	opts, err := svc.BeginAuthentication(ctx, testEmail)
	require.NoError(t, err)
	assertion, err := a.Assert(opts)
	require.NoError(t, err)

	// A second in-flight assertion lands the same counter value first.
	// The counter write must retry on the conflict, re-read, and then
	// refuse to persist the now-stale value.
	fired := false
	hooked.beforePut = func(keyspace, key string, obj interface{}) {
		u, ok := obj.(*userRecord)
		if fired || keyspace != keyspaceUsers || !ok {
			return
		}
		if len(u.Credentials) == 0 || u.Credentials[0].SignCount == 0 {
			// The challenge clear, not the counter write.
			return
		}
		fired = true

		cur := new(userRecord)
		version, err := store.Get(ctx, keyspaceUsers, key, cur)
		require.NoError(t, err)
		cur.Credentials[0].SignCount = u.Credentials[0].SignCount
		_, err = store.Put(ctx, keyspaceUsers, key, version, cur)
		require.NoError(t, err)
	}

	err = svc.FinishAuthentication(ctx, testEmail, opts.Challenge, assertion)
	require.Error(t, err)
	assert.Equal(t, ErrCounterRollback, errors.Cause(err))
	assert.True(t, fired)

	// The interfering write's counter stands.
	u, _, err := svc.accounts.get(ctx, testEmail)
	require.NoError(t, err)
	assert.EqualValues(t, 1, u.Credentials[0].SignCount)
}

func TestService_ExpiredClaimDoesNotBlockRegistration(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()

	a, err := webauthntest.New(testRPID, testOrigin)
	require.NoError(t, err)

	// A claim from a registration that never completed, past its expiry.
	key := webauthn.EncodeBase64URL(a.CredentialID)
	_, err = store.PutWithExpiry(ctx, keyspaceCredentials, key, 0, &credentialIndexRecord{Email: "ghost@example.com"}, time.Now().Add(-time.Minute))
	require.NoError(t, err)

	enroll(t, svc, a, testEmail)

	idx := new(credentialIndexRecord)
	_, err = store.Get(ctx, keyspaceCredentials, key, idx)
	require.NoError(t, err)
	assert.Equal(t, testEmail, idx.Email)
}

func TestService_LostIndexEntryRepaired(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()

	a, err := webauthntest.New(testRPID, testOrigin)
	require.NoError(t, err)
	enroll(t, svc, a, testEmail)

	// Drop the index entry, as if the confirming write had been lost and
	// the claim expired.
	key := webauthn.EncodeBase64URL(a.CredentialID)
	idx := new(credentialIndexRecord)
	version, err := store.Get(ctx, keyspaceCredentials, key, idx)
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, keyspaceCredentials, key, version))

	// Authentication still resolves the credential through the user
	// documents.
	opts, err := svc.BeginAuthentication(ctx, testEmail)
	require.NoError(t, err)
	assertion, err := a.Assert(opts)
	require.NoError(t, err)
	require.NoError(t, svc.FinishAuthentication(ctx, testEmail, opts.Challenge, assertion))

	// And the lookup rewrote the entry.
	_, err = store.Get(ctx, keyspaceCredentials, key, idx)
	require.NoError(t, err)
	assert.Equal(t, testEmail, idx.Email)
}
