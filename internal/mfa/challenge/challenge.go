// Package challenge issues and consumes single-use ceremony challenges.
//
// A challenge binds a random value to a user and a ceremony kind for a fixed
// window. Consumption is terminal: success or failure of the subsequent
// verification, the challenge is spent and a retry needs a fresh one.
package challenge

import (
	"context"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"

	apperrors "github.com/louisbranch/secondfactor/internal/platform/errors"
	"github.com/louisbranch/secondfactor/internal/mfa/storage"
)

// DefaultTTL bounds how long an issued challenge stays valid.
const DefaultTTL = 5 * time.Minute

// Manager issues and consumes challenges against an injected store.
type Manager struct {
	store storage.ChallengeStore
	ttl   time.Duration
	now   func() time.Time
}

// NewManager builds a Manager over the given store.
func NewManager(store storage.ChallengeStore, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		store: store,
		ttl:   ttl,
		now:   time.Now,
	}
}

// WithClock overrides the manager clock. Tests only.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Issue generates a fresh challenge for the user and ceremony kind.
//
// The challenge id is the base64url encoding of 32 cryptographically random
// bytes, which is also the exact value the browser echoes back inside the
// collected client data.
func (m *Manager) Issue(ctx context.Context, userID string, kind storage.ChallengeKind) (storage.Challenge, error) {
	if userID == "" {
		return storage.Challenge{}, fmt.Errorf("user id is required")
	}

	value, err := protocol.CreateChallenge()
	if err != nil {
		return storage.Challenge{}, fmt.Errorf("create challenge: %w", err)
	}

	now := m.now().UTC()
	challenge := storage.Challenge{
		ID:        value.String(),
		UserID:    userID,
		Kind:      kind,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	if err := m.store.PutChallenge(ctx, challenge); err != nil {
		return storage.Challenge{}, fmt.Errorf("store challenge: %w", err)
	}
	return challenge, nil
}

// Consume atomically spends the challenge.
//
// Any challenge that is missing, expired, already consumed, or bound to a
// different ceremony kind fails with CodeChallengeInvalid; the store cannot
// (and deliberately does not) say which.
func (m *Manager) Consume(ctx context.Context, id string, kind storage.ChallengeKind) (storage.Challenge, error) {
	if id == "" {
		return storage.Challenge{}, apperrors.New(apperrors.CodeChallengeInvalid, "challenge id is required")
	}

	challenge, err := m.store.ConsumeChallenge(ctx, id, kind, m.now().UTC())
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeNotFound {
			return storage.Challenge{}, apperrors.Wrap(apperrors.CodeChallengeInvalid, "challenge not consumable", err)
		}
		return storage.Challenge{}, fmt.Errorf("consume challenge: %w", err)
	}
	return challenge, nil
}

// Sweep reclaims expired challenge rows. Correctness does not depend on it;
// expiry is enforced at consume time.
func (m *Manager) Sweep(ctx context.Context) error {
	return m.store.DeleteExpiredChallenges(ctx, m.now().UTC())
}
