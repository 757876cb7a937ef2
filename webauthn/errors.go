package webauthn

import "fmt"

// ErrorKind identifies which ceremony check failed. Callers branch on the
// kind; the message is for logs only.
type ErrorKind string

const (
	KindMalformedResponse            ErrorKind = "malformed_response"
	KindChallengeMismatch            ErrorKind = "challenge_mismatch"
	KindOriginMismatch               ErrorKind = "origin_mismatch"
	KindRPIDMismatch                 ErrorKind = "rp_id_mismatch"
	KindUserNotPresent               ErrorKind = "user_not_present"
	KindUserNotVerified              ErrorKind = "user_not_verified"
	KindSignatureInvalid             ErrorKind = "signature_invalid"
	KindUnsupportedAttestationFormat ErrorKind = "unsupported_attestation_format"
	KindUnsupportedAlgorithm         ErrorKind = "unsupported_algorithm"
	KindCounterRollback              ErrorKind = "counter_rollback"
)

// Error is a ceremony verification failure.
type Error struct {
	Kind ErrorKind
	msg  string
}

func (e *Error) Error() string {
	return e.msg
}

func newError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the error's ceremony kind, or an empty string for errors
// that didn't originate from a verification step.
func KindOf(err error) ErrorKind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return ""
}
