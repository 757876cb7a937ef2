package rp

import (
	"time"

	"github.com/heroku/webauthn-rp/webauthn"
)

// registrationOptions builds the credential creation options for one
// registration ceremony: relying party metadata, the account's opaque
// handle, the issued challenge, and an exclusion list covering every
// credential the account already holds.
func (s *Service) registrationOptions(u *userRecord, challenge []byte) *webauthn.PublicKeyCredentialCreationOptions {
	params := make([]webauthn.PublicKeyCredentialParameters, 0, len(s.credentialAlgs))
	for _, alg := range s.credentialAlgs {
		params = append(params, webauthn.PublicKeyCredentialParameters{
			Type: webauthn.PublicKeyCredentialTypePublicKey,
			Alg:  alg,
		})
	}

	exclude := make([]webauthn.PublicKeyCredentialDescriptor, 0, len(u.Credentials))
	for _, cred := range u.Credentials {
		exclude = append(exclude, webauthn.PublicKeyCredentialDescriptor{
			ID:   webauthn.URLEncodedBase64(cred.ID),
			Type: webauthn.PublicKeyCredentialTypePublicKey,
		})
	}

	return &webauthn.PublicKeyCredentialCreationOptions{
		RP: webauthn.PublicKeyCredentialRpEntity{
			ID:   s.rpID,
			Name: s.rpName,
		},
		User: webauthn.PublicKeyCredentialUserEntity{
			ID:          webauthn.URLEncodedBase64(u.Handle),
			Name:        u.Email,
			DisplayName: u.Email,
		},
		Challenge:        challenge,
		PubKeyCredParams: params,
		Timeout:          uint64(s.ceremonyTimeout / time.Millisecond),
		Attestation:      webauthn.AttestationConveyancePreferenceNone,
		AuthenticatorSelection: webauthn.AuthenticatorSelectionCriteria{
			UserVerification: s.userVerification,
			ResidentKey:      s.residentKey,
		},
		ExcludeCredentials: exclude,
	}
}

// authenticationOptions builds the credential request options for one
// authentication ceremony, with an allow list of the account's credentials.
func (s *Service) authenticationOptions(u *userRecord, challenge []byte) *webauthn.PublicKeyCredentialRequestOptions {
	allow := make([]webauthn.PublicKeyCredentialDescriptor, 0, len(u.Credentials))
	for _, cred := range u.Credentials {
		allow = append(allow, webauthn.PublicKeyCredentialDescriptor{
			ID:   webauthn.URLEncodedBase64(cred.ID),
			Type: webauthn.PublicKeyCredentialTypePublicKey,
		})
	}

	return &webauthn.PublicKeyCredentialRequestOptions{
		Challenge:        challenge,
		AllowCredentials: allow,
		UserVerification: s.userVerification,
		Timeout:          uint64(s.ceremonyTimeout / time.Millisecond),
		RPID:             s.rpID,
	}
}
