package webauthn

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
)

type UserVerificationRequirement string

const (
	UserVerificationPreferred   UserVerificationRequirement = "preferred"
	UserVerificationRequired    UserVerificationRequirement = "required"
	UserVerificationDiscouraged UserVerificationRequirement = "discouraged"
)

type ResidentKeyRequirement string

const (
	ResidentKeyPreferred ResidentKeyRequirement = "preferred"
	ResidentKeyRequired  ResidentKeyRequirement = "required"
)

type PublicKeyCredentialType string

const (
	PublicKeyCredentialTypePublicKey PublicKeyCredentialType = "public-key"
)

type AttestationConveyancePreference string

// See: <https://w3c.github.io/webauthn/#enumdef-attestationconveyancepreference>
const (
	AttestationConveyancePreferenceNone     AttestationConveyancePreference = "none"
	AttestationConveyancePreferenceIndirect AttestationConveyancePreference = "indirect"
	AttestationConveyancePreferenceDirect   AttestationConveyancePreference = "direct"
)

// URLEncodedBase64 is a byte slice that crosses the wire as unpadded
// base64url, the encoding the WebAuthn JSON schema uses for every binary
// field.
type URLEncodedBase64 []byte

func (b URLEncodedBase64) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	return json.Marshal(base64.RawURLEncoding.EncodeToString(b))
}

func (b *URLEncodedBase64) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	decoded, err := DecodeBase64URL(s)
	if err != nil {
		return err
	}
	*b = decoded
	return nil
}

// DecodeBase64URL decodes a base64url value, tolerating the padded variant
// some clients emit.
func DecodeBase64URL(s string) ([]byte, error) {
	s = string(bytes.TrimRight([]byte(s), "="))
	return base64.RawURLEncoding.DecodeString(s)
}

// EncodeBase64URL encodes b the way WebAuthn JSON fields expect.
func EncodeBase64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// See: <https://w3c.github.io/webauthn/#dictionary-makecredentialoptions>
type PublicKeyCredentialCreationOptions struct {
	RP   PublicKeyCredentialRpEntity   `json:"rp"`
	User PublicKeyCredentialUserEntity `json:"user"`

	Challenge        URLEncodedBase64                `json:"challenge"`
	PubKeyCredParams []PublicKeyCredentialParameters `json:"pubKeyCredParams"`

	Timeout                uint64                          `json:"timeout,omitempty"`
	Attestation            AttestationConveyancePreference `json:"attestation"`
	AuthenticatorSelection AuthenticatorSelectionCriteria  `json:"authenticatorSelection"`
	ExcludeCredentials     []PublicKeyCredentialDescriptor `json:"excludeCredentials"`
}

// See: <https://w3c.github.io/webauthn/#assertion-options>
type PublicKeyCredentialRequestOptions struct {
	Challenge        URLEncodedBase64                `json:"challenge"`
	AllowCredentials []PublicKeyCredentialDescriptor `json:"allowCredentials"`
	UserVerification UserVerificationRequirement     `json:"userVerification"`
	Timeout          uint64                          `json:"timeout,omitempty"`
	RPID             string                          `json:"rpId,omitempty"`
}

// See: <https://w3c.github.io/webauthn/#dictdef-publickeycredentialrpentity>
type PublicKeyCredentialRpEntity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// See: <https://w3c.github.io/webauthn/#dictdef-publickeycredentialuserentity>
type PublicKeyCredentialUserEntity struct {
	ID          URLEncodedBase64 `json:"id"`
	Name        string           `json:"name"`
	DisplayName string           `json:"displayName"`
}

// See: <https://w3c.github.io/webauthn/#dictdef-publickeycredentialparameters>
type PublicKeyCredentialParameters struct {
	Type PublicKeyCredentialType `json:"type"`
	Alg  COSEAlgorithmIdentifier `json:"alg"`
}

// See: <https://w3c.github.io/webauthn/#dictdef-authenticatorselectioncriteria>
type AuthenticatorSelectionCriteria struct {
	UserVerification UserVerificationRequirement `json:"userVerification"`
	ResidentKey      ResidentKeyRequirement      `json:"residentKey"`
}

// See: <https://w3c.github.io/webauthn/#dictdef-publickeycredentialdescriptor>
type PublicKeyCredentialDescriptor struct {
	ID   URLEncodedBase64        `json:"id"`
	Type PublicKeyCredentialType `json:"type"`
}

// PublicKeyCredential is the credential a client submits at the end of
// either ceremony. The response carries attestation fields for
// registration and assertion fields for authentication.
//
// See: <https://w3c.github.io/webauthn/#iface-pkcredential>
type PublicKeyCredential struct {
	ID       string                  `json:"id"`
	RawID    URLEncodedBase64        `json:"rawId"`
	Type     PublicKeyCredentialType `json:"type"`
	Response AuthenticatorResponse   `json:"response"`
}

// See: <https://w3c.github.io/webauthn/#authenticatorresponse>
type AuthenticatorResponse struct {
	// ClientDataJSON is defined for all response types
	ClientDataJSON URLEncodedBase64 `json:"clientDataJSON"`

	// AttestationObject is defined when a new public key is being enrolled
	// See: <https://w3c.github.io/webauthn/#dom-authenticatorattestationresponse-attestationobject>
	AttestationObject URLEncodedBase64 `json:"attestationObject,omitempty"`

	// AuthenticatorData, Signature and UserHandle are defined when an existing
	// public key is used for authentication
	// See: <https://w3c.github.io/webauthn/#iface-authenticatorassertionresponse>
	AuthenticatorData URLEncodedBase64 `json:"authenticatorData,omitempty"`
	Signature         URLEncodedBase64 `json:"signature,omitempty"`
	UserHandle        URLEncodedBase64 `json:"userHandle,omitempty"`
}

// CollectedClientData is the client's view of the ceremony, signed over by
// the authenticator via its SHA-256 hash.
//
// See: <https://w3c.github.io/webauthn/#dictdef-collectedclientdata>
type CollectedClientData struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Origin    string `json:"origin"`
}

const (
	clientDataTypeCreate = "webauthn.create"
	clientDataTypeGet    = "webauthn.get"
)

func parseClientData(raw []byte) (*CollectedClientData, error) {
	c := new(CollectedClientData)
	if err := json.Unmarshal(raw, c); err != nil {
		return nil, newError(KindMalformedResponse, "invalid client data JSON: %v", err)
	}
	return c, nil
}
