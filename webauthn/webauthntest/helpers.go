package webauthntest

import (
	"testing"

	"github.com/ugorji/go/codec"

	"github.com/heroku/webauthn-rp/webauthn"
)

// RepackAttestation re-encodes a raw attestation object under a different
// format name, for exercising format handling.
func RepackAttestation(t *testing.T, raw []byte, format string) []byte {
	t.Helper()

	obj := new(webauthn.AttestationObject)
	if err := codec.NewDecoderBytes(raw, &codec.CborHandle{}).Decode(obj); err != nil {
		t.Fatal(err)
	}
	obj.Format = format

	var repacked []byte
	if err := codec.NewEncoderBytes(&repacked, &codec.CborHandle{}).Encode(obj); err != nil {
		t.Fatal(err)
	}
	return repacked
}
