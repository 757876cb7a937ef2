package webauthn

import (
	"bytes"
	"crypto/sha256"
)

// Expected carries the relying party's side of a ceremony: the values the
// client's response must bind to.
type Expected struct {
	// Challenge is the raw challenge issued for this ceremony.
	Challenge []byte
	// Origin is the exact web origin responses must claim.
	Origin string
	// RPID is the relying party identifier whose SHA-256 hash must appear in
	// authenticator data.
	RPID string
	// CredentialAlgs are the COSE algorithms acceptable for new credentials.
	// Ignored for authentication.
	CredentialAlgs []COSEAlgorithmIdentifier
	// UserVerification, when required, demands the UV flag in addition to UP.
	UserVerification UserVerificationRequirement
}

// RegistrationResult is the material to persist after a successful
// registration ceremony.
type RegistrationResult struct {
	CredentialID []byte
	// PublicKey is the credential public key in COSE form, exactly as the
	// authenticator encoded it.
	PublicKey []byte
	// SignCount is the authenticator's initial signature counter.
	SignCount uint32
}

// VerifyRegistration validates an attestation response against the expected
// ceremony parameters, per the registration verification procedure in
// <https://w3c.github.io/webauthn/#sctn-registering-a-new-credential>.
//
// Attestation statements are accepted only in the "none" format; the
// statement itself conveys no trust chain and none is verified. Any other
// format fails closed.
func VerifyRegistration(cred *PublicKeyCredential, expected *Expected) (*RegistrationResult, error) {
	if cred.Type != PublicKeyCredentialTypePublicKey {
		return nil, newError(KindMalformedResponse, "credential type is %q, not %q", cred.Type, PublicKeyCredentialTypePublicKey)
	}
	if len(cred.Response.AttestationObject) == 0 {
		return nil, newError(KindMalformedResponse, "response has no attestation object")
	}

	clientData, err := parseClientData(cred.Response.ClientDataJSON)
	if err != nil {
		return nil, err
	}
	if clientData.Type != clientDataTypeCreate {
		return nil, newError(KindMalformedResponse, "client data type is %q, not %q", clientData.Type, clientDataTypeCreate)
	}

	if err := verifyClientData(clientData, expected); err != nil {
		return nil, err
	}

	attObj, err := parseAttestationObject(cred.Response.AttestationObject)
	if err != nil {
		return nil, newError(KindMalformedResponse, "%v", err)
	}
	if attObj.Format != string(AttestationConveyancePreferenceNone) {
		return nil, newError(KindUnsupportedAttestationFormat, "unsupported attestation format %q", attObj.Format)
	}
	if len(attObj.AttStmt) != 0 {
		return nil, newError(KindUnsupportedAttestationFormat, "attestation statement must be empty for format none")
	}

	authData := new(AuthenticatorData)
	if err := authData.UnmarshalBinary(attObj.AuthData); err != nil {
		return nil, newError(KindMalformedResponse, "invalid authenticator data: %v", err)
	}
	if !authData.IsAttestedCredentialDataIncluded() || len(authData.CredentialID) == 0 {
		return nil, newError(KindMalformedResponse, "authenticator data carries no attested credential")
	}

	if err := verifyAuthDataBindings(authData, expected); err != nil {
		return nil, err
	}

	if !bytes.Equal(cred.RawID, authData.CredentialID) {
		return nil, newError(KindMalformedResponse, "rawId does not match attested credential ID")
	}

	if len(expected.CredentialAlgs) > 0 {
		found := false
		for _, alg := range expected.CredentialAlgs {
			if alg == authData.CredentialPublicKey.Algorithm {
				found = true
				break
			}
		}
		if !found {
			return nil, newError(KindUnsupportedAlgorithm, "credential algorithm %d not among requested parameters", authData.CredentialPublicKey.Algorithm)
		}
	}

	// Confirm the key is usable before accepting it, so a credential that
	// can never verify an assertion is rejected at enrollment.
	if _, err := authData.CredentialPublicKey.ECDSAKey(); err != nil {
		return nil, newError(KindUnsupportedAlgorithm, "%v", err)
	}

	return &RegistrationResult{
		CredentialID: authData.CredentialID,
		PublicKey:    authData.RawCredentialPublicKey,
		SignCount:    authData.Counter,
	}, nil
}

// VerifyAuthentication validates an assertion response against the expected
// ceremony parameters and the stored credential state, per
// <https://w3c.github.io/webauthn/#sctn-verifying-assertion>. It returns the
// authenticator's new signature counter, which the caller persists.
//
// A counter that fails to advance past storedSignCount (when either is
// nonzero) indicates a possible cloned authenticator and fails the ceremony.
func VerifyAuthentication(cred *PublicKeyCredential, expected *Expected, storedPublicKey []byte, storedSignCount uint32) (uint32, error) {
	if cred.Type != PublicKeyCredentialTypePublicKey {
		return 0, newError(KindMalformedResponse, "credential type is %q, not %q", cred.Type, PublicKeyCredentialTypePublicKey)
	}
	if len(cred.Response.AuthenticatorData) == 0 || len(cred.Response.Signature) == 0 {
		return 0, newError(KindMalformedResponse, "response has no assertion data")
	}

	clientData, err := parseClientData(cred.Response.ClientDataJSON)
	if err != nil {
		return 0, err
	}
	if clientData.Type != clientDataTypeGet {
		return 0, newError(KindMalformedResponse, "client data type is %q, not %q", clientData.Type, clientDataTypeGet)
	}

	if err := verifyClientData(clientData, expected); err != nil {
		return 0, err
	}

	authData := new(AuthenticatorData)
	if err := authData.UnmarshalBinary(cred.Response.AuthenticatorData); err != nil {
		return 0, newError(KindMalformedResponse, "invalid authenticator data: %v", err)
	}

	if err := verifyAuthDataBindings(authData, expected); err != nil {
		return 0, err
	}

	key, err := DecodeCOSEPublicKey(storedPublicKey)
	if err != nil {
		return 0, newError(KindSignatureInvalid, "stored public key is unusable: %v", err)
	}

	// The signed payload is authenticatorData || SHA-256(clientDataJSON).
	clientDataHash := sha256.Sum256(cred.Response.ClientDataJSON)
	signed := make([]byte, 0, len(cred.Response.AuthenticatorData)+len(clientDataHash))
	signed = append(signed, cred.Response.AuthenticatorData...)
	signed = append(signed, clientDataHash[:]...)

	if err := key.VerifySignature(signed, cred.Response.Signature); err != nil {
		return 0, newError(KindSignatureInvalid, "%v", err)
	}

	if authData.Counter != 0 || storedSignCount != 0 {
		if authData.Counter <= storedSignCount {
			return 0, newError(KindCounterRollback, "signature counter %d did not advance past %d, authenticator may be cloned", authData.Counter, storedSignCount)
		}
	}

	return authData.Counter, nil
}

func verifyClientData(clientData *CollectedClientData, expected *Expected) error {
	presented, err := DecodeBase64URL(clientData.Challenge)
	if err != nil {
		return newError(KindMalformedResponse, "client data challenge is not base64url: %v", err)
	}
	if !bytes.Equal(presented, expected.Challenge) {
		return newError(KindChallengeMismatch, "client data challenge does not match issued challenge")
	}

	if clientData.Origin != expected.Origin {
		return newError(KindOriginMismatch, "origin is %q, expected %q", clientData.Origin, expected.Origin)
	}

	return nil
}

func verifyAuthDataBindings(authData *AuthenticatorData, expected *Expected) error {
	rpIDHash := sha256.Sum256([]byte(expected.RPID))
	if !bytes.Equal(authData.RPIDHash, rpIDHash[:]) {
		return newError(KindRPIDMismatch, "authenticator data RP ID hash does not match %q", expected.RPID)
	}

	if !authData.IsUserPresent() {
		return newError(KindUserNotPresent, "user present flag is not set")
	}

	if expected.UserVerification == UserVerificationRequired && !authData.IsUserVerified() {
		return newError(KindUserNotVerified, "user verification required but UV flag is not set")
	}

	return nil
}
