package rp

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/heroku/webauthn-rp/storage"
	"github.com/heroku/webauthn-rp/webauthn"
)

// accounts is the credential repository: it owns the mapping from accounts
// to registered credentials and keeps credential IDs globally unique.
type accounts struct {
	storage   storage.Storage
	newHandle func() []byte
	now       func() time.Time

	// claimTTL bounds how long a provisional credential index claim lives
	// before the store may reclaim it.
	claimTTL time.Duration
}

// maxMutateAttempts bounds optimistic-concurrency retries on user document
// writes.
const maxMutateAttempts = 3

func (a *accounts) get(ctx context.Context, email string) (*userRecord, int64, error) {
	u := new(userRecord)
	version, err := a.storage.Get(ctx, keyspaceUsers, email, u)
	if err != nil {
		if storage.IsNotFoundErr(err) {
			return nil, 0, ErrUserNotFound
		}
		return nil, 0, errors.WithMessage(ErrStoreUnavailable, err.Error())
	}
	return u, version, nil
}

// getOrCreate returns the account for email, creating it with a fresh
// opaque handle on first registration attempt.
func (a *accounts) getOrCreate(ctx context.Context, email string) (*userRecord, error) {
	u, _, err := a.get(ctx, email)
	if err == nil {
		return u, nil
	}
	if errors.Cause(err) != ErrUserNotFound {
		return nil, err
	}

	u = &userRecord{
		Email:       email,
		Handle:      a.newHandle(),
		Credentials: []credentialRecord{},
	}
	if _, err := a.storage.Put(ctx, keyspaceUsers, email, 0, u); err != nil {
		if storage.IsConflictErr(err) {
			// Lost a creation race; the other writer's document wins.
			u, _, err := a.get(ctx, email)
			return u, err
		}
		return nil, errors.WithMessage(ErrStoreUnavailable, err.Error())
	}
	return u, nil
}

// findCredential resolves a credential ID to its owner without knowing the
// account up front, the lookup path resident-key (usernameless) flows need.
// A missing or stale index entry falls back to scanning the user documents,
// which are the source of truth; the entry is rewritten on a hit.
func (a *accounts) findCredential(ctx context.Context, credentialID []byte) (*userRecord, *credentialRecord, error) {
	idx := new(credentialIndexRecord)
	if _, err := a.storage.Get(ctx, keyspaceCredentials, webauthn.EncodeBase64URL(credentialID), idx); err != nil {
		if storage.IsNotFoundErr(err) {
			return a.scanForCredential(ctx, credentialID)
		}
		return nil, nil, errors.WithMessage(ErrStoreUnavailable, err.Error())
	}

	u, _, err := a.get(ctx, idx.Email)
	if err != nil {
		if errors.Cause(err) == ErrUserNotFound {
			return a.scanForCredential(ctx, credentialID)
		}
		return nil, nil, err
	}

	cred := u.credential(credentialID)
	if cred == nil {
		return a.scanForCredential(ctx, credentialID)
	}
	return u, cred, nil
}

// scanForCredential walks every user document looking for credentialID. It
// only runs when the index has no usable entry, which happens when a claim
// expired before its confirming write landed.
func (a *accounts) scanForCredential(ctx context.Context, credentialID []byte) (*userRecord, *credentialRecord, error) {
	emails, err := a.storage.List(ctx, keyspaceUsers)
	if err != nil {
		return nil, nil, errors.WithMessage(ErrStoreUnavailable, err.Error())
	}

	for _, email := range emails {
		u, _, err := a.get(ctx, email)
		if err != nil {
			if errors.Cause(err) == ErrUserNotFound {
				continue
			}
			return nil, nil, err
		}

		cred := u.credential(credentialID)
		if cred == nil {
			continue
		}

		// Repair the index so the next lookup is direct again. Best
		// effort: a conflict means someone else already rewrote it.
		_, _ = a.storage.Put(ctx, keyspaceCredentials, webauthn.EncodeBase64URL(credentialID), 0, &credentialIndexRecord{Email: u.Email})
		return u, cred, nil
	}

	return nil, nil, ErrCredentialNotFound
}

// addCredential registers a new credential under email. The credential ID is
// claimed provisionally in the index keyspace first; a conflict there means
// some account, this one or another, already registered it. The claim is
// written with an expiry and confirmed into a permanent entry only once the
// credential is on the user document, so a claim whose registration never
// completes cannot block the credential ID forever.
func (a *accounts) addCredential(ctx context.Context, email string, cred credentialRecord) error {
	key := webauthn.EncodeBase64URL(cred.ID)
	indexVersion, err := a.storage.PutWithExpiry(ctx, keyspaceCredentials, key, 0, &credentialIndexRecord{Email: email}, a.now().Add(a.claimTTL))
	if err != nil {
		if storage.IsConflictErr(err) {
			return ErrDuplicateCredential
		}
		return errors.WithMessage(ErrStoreUnavailable, err.Error())
	}

	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		u, version, err := a.get(ctx, email)
		if err != nil {
			a.releaseCredential(ctx, key, indexVersion)
			return err
		}

		if u.credential(cred.ID) != nil {
			a.releaseCredential(ctx, key, indexVersion)
			return ErrDuplicateCredential
		}

		u.Credentials = append(u.Credentials, cred)
		if _, err := a.storage.Put(ctx, keyspaceUsers, email, version, u); err != nil {
			if storage.IsConflictErr(err) {
				continue
			}
			a.releaseCredential(ctx, key, indexVersion)
			return errors.WithMessage(ErrStoreUnavailable, err.Error())
		}

		// Confirm the claim, dropping its expiry. Best effort: if this
		// write is lost the claim lapses and findCredential repairs the
		// index from the user document.
		_, _ = a.storage.Put(ctx, keyspaceCredentials, key, indexVersion, &credentialIndexRecord{Email: email})
		return nil
	}

	a.releaseCredential(ctx, key, indexVersion)
	return errors.WithMessage(ErrStoreUnavailable, "user document contention adding credential")
}

// releaseCredential undoes an index claim when the user document write never
// landed. Best effort: a leaked claim blocks re-registering one credential
// ID, it cannot corrupt account state.
func (a *accounts) releaseCredential(ctx context.Context, key string, version int64) {
	_ = a.storage.Delete(ctx, keyspaceCredentials, key, version)
}

// updateCounter persists a verified assertion's signature counter. The
// monotonicity check is repeated inside the versioned write loop so two
// in-flight assertions cannot both land on a stale stored counter.
func (a *accounts) updateCounter(ctx context.Context, email string, credentialID []byte, newCount uint32) error {
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		u, version, err := a.get(ctx, email)
		if err != nil {
			return err
		}

		cred := u.credential(credentialID)
		if cred == nil {
			return ErrCredentialNotFound
		}

		if (newCount != 0 || cred.SignCount != 0) && newCount <= cred.SignCount {
			return ErrCounterRollback
		}

		cred.SignCount = newCount
		if _, err := a.storage.Put(ctx, keyspaceUsers, email, version, u); err != nil {
			if storage.IsConflictErr(err) {
				continue
			}
			return errors.WithMessage(ErrStoreUnavailable, err.Error())
		}
		return nil
	}

	return errors.WithMessage(ErrStoreUnavailable, "user document contention updating counter")
}
