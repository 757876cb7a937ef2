package rp

import (
	"bytes"
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/heroku/webauthn-rp/storage"
	"github.com/heroku/webauthn-rp/webauthn"
)

// challengeStore issues and consumes the single-use challenge embedded in
// each user document. Every mutation is a versioned write, so two ceremonies
// racing on the same user cannot both consume one challenge: the losing
// write conflicts and the ceremony fails.
type challengeStore struct {
	storage storage.Storage
	ttl     time.Duration
	now     func() time.Time
}

// maxIssueAttempts bounds retries when an issue races another write to the
// same user document.
const maxIssueAttempts = 3

// issue generates a fresh challenge for the user and ceremony, overwriting
// any prior unconsumed challenge.
func (c *challengeStore) issue(ctx context.Context, email string, ceremony Ceremony) ([]byte, error) {
	value, err := webauthn.NewChallenge()
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxIssueAttempts; attempt++ {
		u := new(userRecord)
		version, err := c.storage.Get(ctx, keyspaceUsers, email, u)
		if err != nil {
			if storage.IsNotFoundErr(err) {
				return nil, ErrUserNotFound
			}
			return nil, errors.WithMessage(ErrStoreUnavailable, err.Error())
		}

		u.Challenge = &challengeRecord{
			Value:    value,
			Ceremony: ceremony,
			IssuedAt: c.now(),
		}

		if _, err := c.storage.Put(ctx, keyspaceUsers, email, version, u); err != nil {
			if storage.IsConflictErr(err) {
				continue
			}
			return nil, errors.WithMessage(ErrStoreUnavailable, err.Error())
		}
		return value, nil
	}

	return nil, errors.WithMessage(ErrStoreUnavailable, "user document contention issuing challenge")
}

// consume clears the user's pending challenge and compares it to the
// presented value. The clear happens whether or not the values match, so a
// challenge can never be tried twice. A write conflict means another
// ceremony touched the document between our read and clear; the challenge
// can no longer be trusted to be single-use, so the ceremony fails.
func (c *challengeStore) consume(ctx context.Context, email string, presented []byte, ceremony Ceremony) error {
	u := new(userRecord)
	version, err := c.storage.Get(ctx, keyspaceUsers, email, u)
	if err != nil {
		if storage.IsNotFoundErr(err) {
			return ErrUserNotFound
		}
		return errors.WithMessage(ErrStoreUnavailable, err.Error())
	}

	pending := u.Challenge
	if pending == nil {
		return ErrChallengeMismatch
	}

	u.Challenge = nil
	if _, err := c.storage.Put(ctx, keyspaceUsers, email, version, u); err != nil {
		if storage.IsConflictErr(err) {
			return ErrChallengeMismatch
		}
		return errors.WithMessage(ErrStoreUnavailable, err.Error())
	}

	if pending.Ceremony != ceremony {
		return ErrChallengeMismatch
	}
	if c.now().Sub(pending.IssuedAt) > c.ttl {
		return ErrChallengeMismatch
	}
	if !bytes.Equal(pending.Value, presented) {
		return ErrChallengeMismatch
	}

	return nil
}
