package webauthn

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/ugorji/go/codec"
)

// Authenticator data flag bits.
// See: <https://w3c.github.io/webauthn/#authenticator-data>
const (
	flagUserPresent            = 0x01 << 0
	flagUserVerified           = 0x01 << 2
	flagAttestedCredentialData = 0x01 << 6
	flagExtensionData          = 0x01 << 7
)

// AuthenticatorData is the decoded form of the binary authenticator data
// structure present in both attestation objects and assertion responses.
type AuthenticatorData struct {
	RPIDHash []byte // 32 bytes
	Flags    byte   // 1 byte
	Counter  uint32 // 4 bytes

	// Attested credential data, present only when the AT flag is set
	// (registration ceremonies).
	AAGUID              []byte // 16 bytes
	CredentialID        []byte // Variable length
	CredentialPublicKey *COSEPublicKey

	// RawCredentialPublicKey is the COSE key exactly as the authenticator
	// encoded it. It is what gets persisted; the decoded form above is only
	// used for validation.
	RawCredentialPublicKey []byte
}

func (d *AuthenticatorData) UnmarshalBinary(data []byte) error {
	if len(data) < 37 {
		return errors.New("auth data too short")
	}

	// Decode all the fixed-length things directly
	d.RPIDHash = data[0:32]
	d.Flags = data[32]
	d.Counter = binary.BigEndian.Uint32(data[33:37])

	if !d.IsAttestedCredentialDataIncluded() {
		return nil
	}

	// Attested credential data
	// https://w3c.github.io/webauthn/#sec-attested-credential-data
	if len(data) < 55 {
		return errors.New("auth data too short for attested credential data")
	}
	d.AAGUID = data[37:53]

	// Credential ID length: 2-byte uint16
	l := binary.BigEndian.Uint16(data[53:55])
	rest := data[55:]
	if len(rest) < int(l) {
		return errors.New("invalid auth data credential length")
	}
	d.CredentialID = rest[0:int(l)]

	rest = rest[l:]
	d.CredentialPublicKey = new(COSEPublicKey)
	dec := codec.NewDecoderBytes(rest, cborHandle())
	if err := dec.Decode(d.CredentialPublicKey); err != nil {
		return errors.Wrap(err, "failed to decode credential public key")
	}
	d.RawCredentialPublicKey = rest[:dec.NumBytesRead()]

	// Extensions, if present, follow the key and are left unparsed.

	return nil
}

func (d *AuthenticatorData) IsUserPresent() bool {
	return d.Flags&flagUserPresent > 0
}

func (d *AuthenticatorData) IsUserVerified() bool {
	return d.Flags&flagUserVerified > 0
}

func (d *AuthenticatorData) IsAttestedCredentialDataIncluded() bool {
	return d.Flags&flagAttestedCredentialData > 0
}

func (d *AuthenticatorData) HasExtensions() bool {
	return d.Flags&flagExtensionData > 0
}

// AttestationObject is the CBOR structure carried in an attestation
// response.
//
// See: <https://w3c.github.io/webauthn/#attestation-object>
type AttestationObject struct {
	Format   string                 `codec:"fmt"`
	AuthData []byte                 `codec:"authData"`
	AttStmt  map[string]interface{} `codec:"attStmt"`
}

func parseAttestationObject(raw []byte) (*AttestationObject, error) {
	o := new(AttestationObject)
	if err := codec.NewDecoderBytes(raw, cborHandle()).Decode(o); err != nil {
		return nil, errors.Wrap(err, "failed to decode attestation object")
	}
	return o, nil
}

func cborHandle() *codec.CborHandle {
	return &codec.CborHandle{}
}
