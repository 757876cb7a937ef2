// Package webauthntest provides a software authenticator for exercising
// ceremonies end to end without a hardware device.
package webauthntest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/asn1"
	"encoding/binary"
	"encoding/json"
	"math/big"

	"github.com/ugorji/go/codec"

	"github.com/heroku/webauthn-rp/webauthn"
)

// Authenticator simulates a single FIDO2 device holding one resident
// credential. The zero values of UserPresent/UserVerified are overridden in
// New; tests flip them to exercise flag checks.
type Authenticator struct {
	Key          *ecdsa.PrivateKey
	CredentialID []byte
	AAGUID       []byte
	Counter      uint32

	RPID   string
	Origin string

	UserPresent  bool
	UserVerified bool
}

// New returns an authenticator scoped to one relying party, with a fresh
// P-256 key and random credential ID.
func New(rpID, origin string) (*Authenticator, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	credentialID := make([]byte, 16)
	if _, err := rand.Read(credentialID); err != nil {
		return nil, err
	}

	return &Authenticator{
		Key:          key,
		CredentialID: credentialID,
		AAGUID:       make([]byte, 16),
		RPID:         rpID,
		Origin:       origin,
		UserPresent:  true,
		UserVerified: true,
	}, nil
}

// Attest responds to a registration ceremony with a "none"-format
// attestation over the options' challenge.
func (a *Authenticator) Attest(options *webauthn.PublicKeyCredentialCreationOptions) (*webauthn.PublicKeyCredential, error) {
	clientDataJSON, err := a.clientDataJSON("webauthn.create", options.Challenge)
	if err != nil {
		return nil, err
	}

	coseKey, err := a.coseKey()
	if err != nil {
		return nil, err
	}

	authData := a.authData(true)
	authData = append(authData, a.AAGUID...)
	idLen := make([]byte, 2)
	binary.BigEndian.PutUint16(idLen, uint16(len(a.CredentialID)))
	authData = append(authData, idLen...)
	authData = append(authData, a.CredentialID...)
	authData = append(authData, coseKey...)

	attObj := &webauthn.AttestationObject{
		Format:   "none",
		AuthData: authData,
		AttStmt:  map[string]interface{}{},
	}
	var rawAttObj []byte
	if err := codec.NewEncoderBytes(&rawAttObj, &codec.CborHandle{}).Encode(attObj); err != nil {
		return nil, err
	}

	return &webauthn.PublicKeyCredential{
		ID:    webauthn.EncodeBase64URL(a.CredentialID),
		RawID: a.CredentialID,
		Type:  webauthn.PublicKeyCredentialTypePublicKey,
		Response: webauthn.AuthenticatorResponse{
			ClientDataJSON:    clientDataJSON,
			AttestationObject: rawAttObj,
		},
	}, nil
}

// Assert responds to an authentication ceremony, advancing the signature
// counter and signing authenticatorData || SHA-256(clientDataJSON).
func (a *Authenticator) Assert(options *webauthn.PublicKeyCredentialRequestOptions) (*webauthn.PublicKeyCredential, error) {
	clientDataJSON, err := a.clientDataJSON("webauthn.get", options.Challenge)
	if err != nil {
		return nil, err
	}

	a.Counter++
	authData := a.authData(false)

	clientDataHash := sha256.Sum256(clientDataJSON)
	signed := append(append([]byte{}, authData...), clientDataHash[:]...)
	digest := sha256.Sum256(signed)

	r, s, err := ecdsa.Sign(rand.Reader, a.Key, digest[:])
	if err != nil {
		return nil, err
	}
	sig, err := asn1.Marshal(struct{ R, S *big.Int }{r, s})
	if err != nil {
		return nil, err
	}

	return &webauthn.PublicKeyCredential{
		ID:    webauthn.EncodeBase64URL(a.CredentialID),
		RawID: a.CredentialID,
		Type:  webauthn.PublicKeyCredentialTypePublicKey,
		Response: webauthn.AuthenticatorResponse{
			ClientDataJSON:    clientDataJSON,
			AuthenticatorData: authData,
			Signature:         sig,
		},
	}, nil
}

func (a *Authenticator) clientDataJSON(typ string, challenge []byte) ([]byte, error) {
	return json.Marshal(&webauthn.CollectedClientData{
		Type:      typ,
		Challenge: webauthn.EncodeBase64URL(challenge),
		Origin:    a.Origin,
	})
}

func (a *Authenticator) authData(attested bool) []byte {
	rpIDHash := sha256.Sum256([]byte(a.RPID))

	var flags byte
	if a.UserPresent {
		flags |= 0x01
	}
	if a.UserVerified {
		flags |= 0x01 << 2
	}
	if attested {
		flags |= 0x01 << 6
	}

	data := make([]byte, 0, 37)
	data = append(data, rpIDHash[:]...)
	data = append(data, flags)
	counter := make([]byte, 4)
	binary.BigEndian.PutUint32(counter, a.Counter)
	return append(data, counter...)
}

func (a *Authenticator) coseKey() ([]byte, error) {
	key := &webauthn.COSEPublicKey{
		KeyType:   2, // EC2
		Algorithm: webauthn.COSEAlgorithmES256,
		Curve:     1, // P-256
		X:         padCoordinate(a.Key.PublicKey.X),
		Y:         padCoordinate(a.Key.PublicKey.Y),
	}
	return key.EncodeCOSE()
}

func padCoordinate(v *big.Int) []byte {
	b := v.Bytes()
	if len(b) >= 32 {
		return b
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}
