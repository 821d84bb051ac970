// Package memory implements the MFA storage boundary in process memory.
//
// It mirrors the SQLite store's semantics, including the compare-and-set
// consume, and backs tests and single-node deployments without a database
// file.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/secondfactor/internal/mfa/storage"
)

// Store holds challenges and credentials behind a single mutex.
type Store struct {
	mu          sync.Mutex
	challenges  map[string]storage.Challenge
	credentials map[string]storage.Credential
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		challenges:  make(map[string]storage.Challenge),
		credentials: make(map[string]storage.Credential),
	}
}

func (s *Store) PutChallenge(ctx context.Context, challenge storage.Challenge) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// Challenge ids are primary keys in the SQLite store, so a duplicate
	// insert fails there too.
	if _, exists := s.challenges[challenge.ID]; exists {
		return fmt.Errorf("put challenge: id %q already exists", challenge.ID)
	}
	s.challenges[challenge.ID] = challenge
	return nil
}

func (s *Store) ConsumeChallenge(ctx context.Context, id string, kind storage.ChallengeKind, now time.Time) (storage.Challenge, error) {
	if err := ctx.Err(); err != nil {
		return storage.Challenge{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	challenge, ok := s.challenges[id]
	if !ok || challenge.Consumed || challenge.Kind != kind || !challenge.ExpiresAt.After(now) {
		return storage.Challenge{}, storage.ErrNotFound
	}
	challenge.Consumed = true
	s.challenges[id] = challenge
	return challenge, nil
}

func (s *Store) DeleteExpiredChallenges(ctx context.Context, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, challenge := range s.challenges {
		if !challenge.ExpiresAt.After(now) || challenge.Consumed {
			delete(s.challenges, id)
		}
	}
	return nil
}

func (s *Store) InsertCredential(ctx context.Context, credential storage.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.credentials[credential.CredentialID]; exists {
		return storage.ErrDuplicateCredential
	}
	s.credentials[credential.CredentialID] = cloneCredential(credential)
	return nil
}

func (s *Store) GetCredential(ctx context.Context, credentialID string) (storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return storage.Credential{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	credential, ok := s.credentials[credentialID]
	if !ok {
		return storage.Credential{}, storage.ErrNotFound
	}
	return cloneCredential(credential), nil
}

func (s *Store) ListCredentialsByUser(ctx context.Context, userID string) ([]storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var credentials []storage.Credential
	for _, credential := range s.credentials {
		if credential.UserID == userID {
			credentials = append(credentials, cloneCredential(credential))
		}
	}
	sort.Slice(credentials, func(i, j int) bool {
		if credentials[i].CreatedAt.Equal(credentials[j].CreatedAt) {
			return strings.Compare(credentials[i].CredentialID, credentials[j].CredentialID) < 0
		}
		return credentials[i].CreatedAt.Before(credentials[j].CreatedAt)
	})
	return credentials, nil
}

func (s *Store) UpdateCredentialSignCount(ctx context.Context, credentialID string, signCount uint32, usedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	credential, ok := s.credentials[credentialID]
	if !ok {
		return storage.ErrNotFound
	}
	credential.SignCount = signCount
	used := usedAt
	credential.LastUsedAt = &used
	s.credentials[credentialID] = credential
	return nil
}

func (s *Store) UpdateCredentialLabel(ctx context.Context, credentialID, userID, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	credential, ok := s.credentials[credentialID]
	if !ok || credential.UserID != userID {
		return storage.ErrNotFound
	}
	credential.Label = label
	s.credentials[credentialID] = credential
	return nil
}

func (s *Store) DeleteCredential(ctx context.Context, credentialID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	credential, ok := s.credentials[credentialID]
	if !ok || credential.UserID != userID {
		return storage.ErrNotFound
	}
	delete(s.credentials, credentialID)
	return nil
}

func cloneCredential(credential storage.Credential) storage.Credential {
	cloned := credential
	cloned.PublicKey = append([]byte(nil), credential.PublicKey...)
	cloned.Transports = append([]string(nil), credential.Transports...)
	if credential.LastUsedAt != nil {
		used := *credential.LastUsedAt
		cloned.LastUsedAt = &used
	}
	return cloned
}

var _ storage.Store = (*Store)(nil)
