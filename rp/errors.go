package rp

import "errors"

// Sentinel errors surfaced by the facade. Callers compare against these with
// errors.Cause after unwrapping; verification-step failures are returned as
// *webauthn.Error instead.
var (
	ErrUserNotFound        = errors.New("user not found")
	ErrCredentialNotFound  = errors.New("credential not found")
	ErrDuplicateCredential = errors.New("credential ID is already registered")
	ErrChallengeMismatch   = errors.New("challenge is missing, expired, or does not match")
	ErrCounterRollback     = errors.New("signature counter did not advance")
	ErrMalformedRequest    = errors.New("malformed request")
	ErrStoreUnavailable    = errors.New("storage unavailable")
)
