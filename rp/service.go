package rp

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/heroku/webauthn-rp/storage"
	"github.com/heroku/webauthn-rp/webauthn"
)

const (
	defaultCeremonyTimeout = 60 * time.Second
	defaultStoreTimeout    = 5 * time.Second
)

// Config configures a relying party Service.
type Config struct {
	// RPID is the relying party identifier, normally the effective domain
	// of the origin. Required.
	RPID string
	// RPName is the human-readable relying party name shown by browsers.
	// Required.
	RPName string
	// Origin is the exact web origin ceremonies must be performed from.
	// Required.
	Origin string

	// CredentialAlgs are the COSE algorithms offered for new credentials.
	// Defaults to ES256.
	CredentialAlgs []webauthn.COSEAlgorithmIdentifier
	// UserVerification is the verification hint sent in options, and when
	// set to required it is enforced during verification. Defaults to
	// preferred.
	UserVerification webauthn.UserVerificationRequirement
	// ResidentKey is the resident key hint sent in registration options.
	// Defaults to preferred.
	ResidentKey webauthn.ResidentKeyRequirement

	// CeremonyTimeout is advertised to clients in options and bounds how
	// long an issued challenge stays consumable. Defaults to one minute.
	CeremonyTimeout time.Duration
	// StoreTimeout bounds each storage round trip. Defaults to five
	// seconds.
	StoreTimeout time.Duration

	Storage storage.Storage
	Logger  logrus.FieldLogger

	// Now is the clock, for tests.
	Now func() time.Time
}

// Service is the relying party facade. It owns the four ceremony
// operations and everything behind them: account and credential state,
// challenge lifecycle, and response verification.
type Service struct {
	rpID             string
	rpName           string
	origin           string
	credentialAlgs   []webauthn.COSEAlgorithmIdentifier
	userVerification webauthn.UserVerificationRequirement
	residentKey      webauthn.ResidentKeyRequirement
	ceremonyTimeout  time.Duration
	storeTimeout     time.Duration

	accounts   *accounts
	challenges *challengeStore

	logger logrus.FieldLogger
}

// New validates cfg and returns a Service backed by its storage.
func New(cfg *Config) (*Service, error) {
	switch {
	case cfg.RPID == "":
		return nil, errors.New("RPID is required")
	case cfg.RPName == "":
		return nil, errors.New("RPName is required")
	case cfg.Origin == "":
		return nil, errors.New("Origin is required")
	case cfg.Storage == nil:
		return nil, errors.New("Storage is required")
	}

	algs := cfg.CredentialAlgs
	if len(algs) == 0 {
		algs = []webauthn.COSEAlgorithmIdentifier{webauthn.COSEAlgorithmES256}
	}
	uv := cfg.UserVerification
	if uv == "" {
		uv = webauthn.UserVerificationPreferred
	}
	rk := cfg.ResidentKey
	if rk == "" {
		rk = webauthn.ResidentKeyPreferred
	}
	ceremonyTimeout := cfg.CeremonyTimeout
	if ceremonyTimeout == 0 {
		ceremonyTimeout = defaultCeremonyTimeout
	}
	storeTimeout := cfg.StoreTimeout
	if storeTimeout == 0 {
		storeTimeout = defaultStoreTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}

	return &Service{
		rpID:             cfg.RPID,
		rpName:           cfg.RPName,
		origin:           cfg.Origin,
		credentialAlgs:   algs,
		userVerification: uv,
		residentKey:      rk,
		ceremonyTimeout:  ceremonyTimeout,
		storeTimeout:     storeTimeout,
		accounts: &accounts{
			storage:   cfg.Storage,
			newHandle: newHandle,
			now:       now,
			claimTTL:  ceremonyTimeout,
		},
		challenges: &challengeStore{
			storage: cfg.Storage,
			ttl:     ceremonyTimeout,
			now:     now,
		},
		logger: logger,
	}, nil
}

// newHandle mints the opaque byte identifier used as the WebAuthn user ID.
// It is deliberately unrelated to the email so accounts can be renamed
// without invalidating credentials.
func newHandle() []byte {
	u := uuid.New()
	return u[:]
}

// BeginRegistration starts a registration ceremony for email, creating the
// account on first contact, and returns the creation options to relay to
// the client.
func (s *Service) BeginRegistration(ctx context.Context, email string) (*webauthn.PublicKeyCredentialCreationOptions, error) {
	if email == "" {
		return nil, errors.WithMessage(ErrMalformedRequest, "email is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	u, err := s.accounts.getOrCreate(ctx, email)
	if err != nil {
		return nil, err
	}

	challenge, err := s.challenges.issue(ctx, email, CeremonyRegistration)
	if err != nil {
		return nil, err
	}

	return s.registrationOptions(u, challenge), nil
}

// FinishRegistration completes a registration ceremony. The presented
// challenge is consumed whether or not verification succeeds, and on
// success the new credential is persisted under email.
func (s *Service) FinishRegistration(ctx context.Context, email string, challenge []byte, cred *webauthn.PublicKeyCredential) error {
	if email == "" {
		return errors.WithMessage(ErrMalformedRequest, "email is required")
	}
	if cred == nil {
		return errors.WithMessage(ErrMalformedRequest, "credential response is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	if err := s.challenges.consume(ctx, email, challenge, CeremonyRegistration); err != nil {
		return err
	}

	result, err := webauthn.VerifyRegistration(cred, &webauthn.Expected{
		Challenge:        challenge,
		Origin:           s.origin,
		RPID:             s.rpID,
		CredentialAlgs:   s.credentialAlgs,
		UserVerification: s.userVerification,
	})
	if err != nil {
		return err
	}

	return s.accounts.addCredential(ctx, email, credentialRecord{
		ID:        result.CredentialID,
		PublicKey: result.PublicKey,
		SignCount: result.SignCount,
		CreatedAt: s.challenges.now(),
	})
}

// BeginAuthentication starts an authentication ceremony for an existing
// account and returns the request options to relay to the client.
func (s *Service) BeginAuthentication(ctx context.Context, email string) (*webauthn.PublicKeyCredentialRequestOptions, error) {
	if email == "" {
		return nil, errors.WithMessage(ErrMalformedRequest, "email is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	u, _, err := s.accounts.get(ctx, email)
	if err != nil {
		return nil, err
	}

	challenge, err := s.challenges.issue(ctx, email, CeremonyAuthentication)
	if err != nil {
		return nil, err
	}

	return s.authenticationOptions(u, challenge), nil
}

// FinishAuthentication completes an authentication ceremony. The asserted
// credential is matched by its submitted ID, not by position in the
// account's list, and the verified signature counter is persisted before
// reporting success.
func (s *Service) FinishAuthentication(ctx context.Context, email string, challenge []byte, cred *webauthn.PublicKeyCredential) error {
	if email == "" {
		return errors.WithMessage(ErrMalformedRequest, "email is required")
	}
	if cred == nil {
		return errors.WithMessage(ErrMalformedRequest, "credential response is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	owner, stored, err := s.accounts.findCredential(ctx, cred.RawID)
	if err != nil {
		return err
	}
	if owner.Email != email {
		return ErrCredentialNotFound
	}

	if err := s.challenges.consume(ctx, email, challenge, CeremonyAuthentication); err != nil {
		return err
	}

	newCount, err := webauthn.VerifyAuthentication(cred, &webauthn.Expected{
		Challenge:        challenge,
		Origin:           s.origin,
		RPID:             s.rpID,
		UserVerification: s.userVerification,
	}, stored.PublicKey, stored.SignCount)
	if err != nil {
		return err
	}

	return s.accounts.updateCounter(ctx, email, stored.ID, newCount)
}
