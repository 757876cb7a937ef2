package webauthn

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/asn1"
	"hash"
	"math/big"

	"github.com/pkg/errors"
	"github.com/ugorji/go/codec"
)

type COSEAlgorithmIdentifier int

// See: <https://www.iana.org/assignments/cose/cose.xhtml#algorithms>
const (
	COSEAlgorithmES256 COSEAlgorithmIdentifier = -7
	COSEAlgorithmES384 COSEAlgorithmIdentifier = -35
	COSEAlgorithmES512 COSEAlgorithmIdentifier = -36
)

// COSE key type and EC curve identifiers.
// See: <https://www.iana.org/assignments/cose/cose.xhtml#key-type>
const (
	coseKeyTypeEC2 = 2

	coseCurveP256 = 1
	coseCurveP384 = 2
	coseCurveP521 = 3
)

// COSEPublicKey is a credential public key in COSE_Key form. The codec tags
// map the integer labels CTAP2 uses for EC2 keys.
type COSEPublicKey struct {
	_struct   bool                    `codec:",int"`
	KeyType   int8                    `codec:"1"`
	Algorithm COSEAlgorithmIdentifier `codec:"3"`
	Curve     int8                    `codec:"-1"`
	X         []byte                  `codec:"-2"`
	Y         []byte                  `codec:"-3"`
}

// DecodeCOSEPublicKey decodes a CBOR-encoded COSE key as stored at
// registration time.
func DecodeCOSEPublicKey(raw []byte) (*COSEPublicKey, error) {
	k := new(COSEPublicKey)
	if err := codec.NewDecoderBytes(raw, cborHandle()).Decode(k); err != nil {
		return nil, errors.Wrap(err, "failed to decode COSE public key")
	}
	return k, nil
}

// EncodeCOSE returns the key in its CBOR wire form.
func (k *COSEPublicKey) EncodeCOSE() ([]byte, error) {
	var b []byte
	if err := codec.NewEncoderBytes(&b, cborHandle()).Encode(k); err != nil {
		return nil, errors.Wrap(err, "failed to encode COSE public key")
	}
	return b, nil
}

// ECDSAKey converts the COSE representation into a crypto/ecdsa public key.
func (k *COSEPublicKey) ECDSAKey() (*ecdsa.PublicKey, error) {
	if k.KeyType != coseKeyTypeEC2 {
		return nil, errors.Errorf("unsupported COSE key type %d", k.KeyType)
	}

	var curve elliptic.Curve
	switch k.Curve {
	case coseCurveP256:
		curve = elliptic.P256()
	case coseCurveP384:
		curve = elliptic.P384()
	case coseCurveP521:
		curve = elliptic.P521()
	default:
		return nil, errors.Errorf("unsupported COSE curve %d", k.Curve)
	}

	pub := &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(k.X),
		Y:     new(big.Int).SetBytes(k.Y),
	}
	if !curve.IsOnCurve(pub.X, pub.Y) {
		return nil, errors.New("COSE public key point is not on its curve")
	}
	return pub, nil
}

func (k *COSEPublicKey) newHash() (hash.Hash, error) {
	switch k.Algorithm {
	case COSEAlgorithmES256:
		return sha256.New(), nil
	case COSEAlgorithmES384:
		return sha512.New384(), nil
	case COSEAlgorithmES512:
		return sha512.New(), nil
	}
	return nil, errors.Errorf("unsupported COSE algorithm %d", k.Algorithm)
}

// ecdsaSignature is the ASN.1 structure authenticators use for EC
// signatures.
type ecdsaSignature struct {
	R, S *big.Int
}

// VerifySignature checks sig (ASN.1 DER) over data using the curve and hash
// the key's algorithm implies.
func (k *COSEPublicKey) VerifySignature(data, sig []byte) error {
	pub, err := k.ECDSAKey()
	if err != nil {
		return err
	}

	h, err := k.newHash()
	if err != nil {
		return err
	}
	h.Write(data)
	digest := h.Sum(nil)

	parsed := new(ecdsaSignature)
	rest, err := asn1.Unmarshal(sig, parsed)
	if err != nil {
		return errors.Wrap(err, "malformed ECDSA signature")
	}
	if len(rest) != 0 {
		return errors.New("trailing data after ECDSA signature")
	}

	if !ecdsa.Verify(pub, digest, parsed.R, parsed.S) {
		return errors.New("ECDSA signature verification failed")
	}
	return nil
}
