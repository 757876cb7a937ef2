package webauthn

import (
	"crypto/rand"

	"github.com/pkg/errors"
)

// ChallengeLength is the byte length of generated ceremony challenges.
const ChallengeLength = 32

// NewChallenge returns a fresh random challenge for a single ceremony.
func NewChallenge() ([]byte, error) {
	c := make([]byte, ChallengeLength)
	if _, err := rand.Read(c); err != nil {
		return nil, errors.Wrap(err, "failed to generate challenge")
	}
	return c, nil
}
