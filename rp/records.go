package rp

import (
	"bytes"
	"time"
)

const (
	// keyspaceUsers holds one document per account, keyed by email.
	keyspaceUsers = "users"
	// keyspaceCredentials maps base64url credential IDs to their owning
	// email. Claiming a key here at version zero is what enforces global
	// credential ID uniqueness; it also serves credential-first lookups.
	keyspaceCredentials = "credentials"
)

// Ceremony distinguishes which flow a challenge was issued for.
type Ceremony string

const (
	CeremonyRegistration   Ceremony = "registration"
	CeremonyAuthentication Ceremony = "authentication"
)

// userRecord is the stored account document: the user's identity, the
// embedded credential array, and a transient challenge for the ceremony in
// flight.
type userRecord struct {
	Email       string             `codec:"email"`
	Handle      []byte             `codec:"handle"`
	Credentials []credentialRecord `codec:"credentials"`
	Challenge   *challengeRecord   `codec:"challenge,omitempty"`
}

type credentialRecord struct {
	ID        []byte    `codec:"credential_id"`
	PublicKey []byte    `codec:"public_key"`
	SignCount uint32    `codec:"counter"`
	CreatedAt time.Time `codec:"created_at"`
}

type challengeRecord struct {
	Value    []byte    `codec:"value"`
	Ceremony Ceremony  `codec:"ceremony"`
	IssuedAt time.Time `codec:"issued_at"`
}

type credentialIndexRecord struct {
	Email string `codec:"email"`
}

func (u *userRecord) credential(id []byte) *credentialRecord {
	for i := range u.Credentials {
		if bytes.Equal(u.Credentials[i].ID, id) {
			return &u.Credentials[i]
		}
	}
	return nil
}
