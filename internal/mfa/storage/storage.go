// Package storage defines the persistence boundary for second-factor state.
//
// Challenge and credential records are owned exclusively by this boundary;
// callers reference them by identifier and never mutate rows directly.
package storage

import (
	"context"
	"time"

	"github.com/louisbranch/secondfactor/internal/platform/errors"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New(errors.CodeNotFound, "record not found")

// ErrDuplicateCredential indicates a credential id is already enrolled,
// for any user.
var ErrDuplicateCredential = errors.New(errors.CodeDuplicateCredential, "credential id already enrolled")

// ChallengeKind distinguishes registration from authentication ceremonies.
type ChallengeKind string

const (
	ChallengeKindRegistration   ChallengeKind = "registration"
	ChallengeKindAuthentication ChallengeKind = "authentication"
)

// Challenge is a single-use random value bound to a user and ceremony kind.
//
// The ID doubles as the challenge value handed to the browser: the base64url
// encoding of the generated random bytes.
type Challenge struct {
	ID        string
	UserID    string
	Kind      ChallengeKind
	Consumed  bool
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Credential is an enrolled WebAuthn credential.
type Credential struct {
	CredentialID      string // base64url encoding of the authenticator-supplied id
	UserID            string
	PublicKey         []byte // COSE key bytes as reported by the authenticator
	Algorithm         int64  // COSE algorithm identifier
	AttestationFormat string
	SignCount         uint32
	Transports        []string
	Label             string
	CreatedAt         time.Time
	LastUsedAt        *time.Time
}

// ChallengeStore persists ceremony challenges.
type ChallengeStore interface {
	PutChallenge(ctx context.Context, challenge Challenge) error

	// ConsumeChallenge atomically marks the challenge consumed and returns it.
	// The mark is a compare-and-set: under concurrent duplicate submissions
	// exactly one caller succeeds. A challenge that is missing, expired,
	// already consumed, or of a different kind yields ErrNotFound.
	ConsumeChallenge(ctx context.Context, id string, kind ChallengeKind, now time.Time) (Challenge, error)

	// DeleteExpiredChallenges reclaims storage for challenges past their TTL.
	// Expiry is enforced at consume time; this is purely housekeeping.
	DeleteExpiredChallenges(ctx context.Context, now time.Time) error
}

// CredentialStore persists enrolled credentials.
type CredentialStore interface {
	// InsertCredential stores a new credential. The credential id is globally
	// unique; a clash with any user's credential yields ErrDuplicateCredential.
	InsertCredential(ctx context.Context, credential Credential) error

	GetCredential(ctx context.Context, credentialID string) (Credential, error)

	// ListCredentialsByUser returns the user's credentials ordered by creation time.
	ListCredentialsByUser(ctx context.Context, userID string) ([]Credential, error)

	// UpdateCredentialSignCount writes the counter and last-used timestamp
	// unconditionally; the caller has already validated monotonicity.
	UpdateCredentialSignCount(ctx context.Context, credentialID string, signCount uint32, usedAt time.Time) error

	// UpdateCredentialLabel renames a credential. ErrNotFound when the
	// credential does not belong to userID.
	UpdateCredentialLabel(ctx context.Context, credentialID, userID, label string) error

	// DeleteCredential removes a credential. ErrNotFound when the credential
	// does not belong to userID, so one user can never delete another's.
	DeleteCredential(ctx context.Context, credentialID, userID string) error
}

// Store combines both persistence surfaces; implementations usually back
// them with the same database.
type Store interface {
	ChallengeStore
	CredentialStore
}
