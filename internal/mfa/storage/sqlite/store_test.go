package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/secondfactor/internal/mfa/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "mfa.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestOpenAppliesPragmas(t *testing.T) {
	store := openTestStore(t)

	var journalMode string
	if err := store.sqlDB.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Fatalf("expected journal_mode wal, got %q", journalMode)
	}

	var busyTimeout int
	if err := store.sqlDB.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Fatalf("query busy_timeout: %v", err)
	}
	if busyTimeout != 5000 {
		t.Fatalf("expected busy_timeout 5000, got %d", busyTimeout)
	}

	var foreignKeys int
	if err := store.sqlDB.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys); err != nil {
		t.Fatalf("query foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys on, got %d", foreignKeys)
	}
}

func TestChallengeRoundTripAndConsumeOnce(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)

	challenge := storage.Challenge{
		ID:        "Y2hhbGxlbmdlLTE",
		UserID:    "user-1",
		Kind:      storage.ChallengeKindRegistration,
		CreatedAt: now,
		ExpiresAt: now.Add(5 * time.Minute),
	}
	if err := store.PutChallenge(ctx, challenge); err != nil {
		t.Fatalf("put challenge: %v", err)
	}

	consumed, err := store.ConsumeChallenge(ctx, challenge.ID, storage.ChallengeKindRegistration, now)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !consumed.Consumed {
		t.Fatal("expected consumed flag set")
	}
	if consumed.UserID != "user-1" || consumed.Kind != storage.ChallengeKindRegistration {
		t.Fatalf("unexpected challenge %+v", consumed)
	}
	if !consumed.ExpiresAt.Equal(challenge.ExpiresAt) {
		t.Fatalf("expected expiry %v, got %v", challenge.ExpiresAt, consumed.ExpiresAt)
	}

	if _, err := store.ConsumeChallenge(ctx, challenge.ID, storage.ChallengeKindRegistration, now); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("second consume: expected not found, got %v", err)
	}
}

func TestConsumeChallengeConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)

	challenge := storage.Challenge{
		ID:        "c-concurrent",
		UserID:    "user-1",
		Kind:      storage.ChallengeKindAuthentication,
		CreatedAt: now,
		ExpiresAt: now.Add(5 * time.Minute),
	}
	if err := store.PutChallenge(ctx, challenge); err != nil {
		t.Fatalf("put challenge: %v", err)
	}

	const attempts = 16
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ConsumeChallenge(ctx, challenge.ID, storage.ChallengeKindAuthentication, now)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins int
	for err := range results {
		if err == nil {
			wins++
		} else if !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestConsumeChallengeExpiredAndKindMismatch(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)

	challenge := storage.Challenge{
		ID:        "c-expired",
		UserID:    "user-1",
		Kind:      storage.ChallengeKindAuthentication,
		CreatedAt: now.Add(-10 * time.Minute),
		ExpiresAt: now.Add(-5 * time.Minute),
	}
	if err := store.PutChallenge(ctx, challenge); err != nil {
		t.Fatalf("put challenge: %v", err)
	}
	if _, err := store.ConsumeChallenge(ctx, "c-expired", storage.ChallengeKindAuthentication, now); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expired: expected not found, got %v", err)
	}

	live := storage.Challenge{
		ID:        "c-live",
		UserID:    "user-1",
		Kind:      storage.ChallengeKindAuthentication,
		CreatedAt: now,
		ExpiresAt: now.Add(5 * time.Minute),
	}
	if err := store.PutChallenge(ctx, live); err != nil {
		t.Fatalf("put challenge: %v", err)
	}
	if _, err := store.ConsumeChallenge(ctx, "c-live", storage.ChallengeKindRegistration, now); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("kind mismatch: expected not found, got %v", err)
	}
	if _, err := store.ConsumeChallenge(ctx, "c-live", storage.ChallengeKindAuthentication, now); err != nil {
		t.Fatalf("consume after kind mismatch: %v", err)
	}
}

func TestDeleteExpiredChallenges(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)

	challenges := []storage.Challenge{
		{ID: "old", UserID: "u", Kind: storage.ChallengeKindRegistration, CreatedAt: now.Add(-10 * time.Minute), ExpiresAt: now.Add(-time.Minute)},
		{ID: "live", UserID: "u", Kind: storage.ChallengeKindRegistration, CreatedAt: now, ExpiresAt: now.Add(time.Minute)},
	}
	for _, challenge := range challenges {
		if err := store.PutChallenge(ctx, challenge); err != nil {
			t.Fatalf("put %s: %v", challenge.ID, err)
		}
	}

	if err := store.DeleteExpiredChallenges(ctx, now); err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if _, err := store.ConsumeChallenge(ctx, "live", storage.ChallengeKindRegistration, now); err != nil {
		t.Fatalf("live challenge should survive sweep: %v", err)
	}
}

func testCredential(id, userID string, createdAt time.Time) storage.Credential {
	return storage.Credential{
		CredentialID:      id,
		UserID:            userID,
		PublicKey:         []byte{0xA5, 0x01, 0x02},
		Algorithm:         -7,
		AttestationFormat: "none",
		SignCount:         0,
		Transports:        []string{"usb", "nfc"},
		Label:             "security key",
		CreatedAt:         createdAt,
	}
}

func TestInsertCredentialDuplicateAcrossUsers(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)

	if err := store.InsertCredential(ctx, testCredential("cred-1", "user-1", now)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	err := store.InsertCredential(ctx, testCredential("cred-1", "user-2", now))
	if !errors.Is(err, storage.ErrDuplicateCredential) {
		t.Fatalf("expected duplicate credential, got %v", err)
	}

	stored, err := store.GetCredential(ctx, "cred-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.UserID != "user-1" {
		t.Fatalf("duplicate insert mutated owner: %q", stored.UserID)
	}
}

func TestCredentialRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)

	if err := store.InsertCredential(ctx, testCredential("cred-1", "user-1", now)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	stored, err := store.GetCredential(ctx, "cred-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Algorithm != -7 {
		t.Fatalf("expected algorithm -7, got %d", stored.Algorithm)
	}
	if len(stored.Transports) != 2 || stored.Transports[0] != "usb" || stored.Transports[1] != "nfc" {
		t.Fatalf("unexpected transports %v", stored.Transports)
	}
	if stored.LastUsedAt != nil {
		t.Fatalf("expected nil last used, got %v", stored.LastUsedAt)
	}
	if !stored.CreatedAt.Equal(now) {
		t.Fatalf("expected created at %v, got %v", now, stored.CreatedAt)
	}

	if _, err := store.GetCredential(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListCredentialsByUserOrder(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	base := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)

	if err := store.InsertCredential(ctx, testCredential("newer", "user-1", base.Add(time.Minute))); err != nil {
		t.Fatalf("insert newer: %v", err)
	}
	if err := store.InsertCredential(ctx, testCredential("older", "user-1", base)); err != nil {
		t.Fatalf("insert older: %v", err)
	}
	if err := store.InsertCredential(ctx, testCredential("other", "user-2", base)); err != nil {
		t.Fatalf("insert other: %v", err)
	}

	credentials, err := store.ListCredentialsByUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(credentials) != 2 {
		t.Fatalf("expected 2 credentials, got %d", len(credentials))
	}
	if credentials[0].CredentialID != "older" || credentials[1].CredentialID != "newer" {
		t.Fatalf("unexpected order: %s, %s", credentials[0].CredentialID, credentials[1].CredentialID)
	}
}

func TestUpdateCredentialSignCount(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)

	if err := store.InsertCredential(ctx, testCredential("cred-1", "user-1", now)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	usedAt := now.Add(30 * time.Second)
	if err := store.UpdateCredentialSignCount(ctx, "cred-1", 42, usedAt); err != nil {
		t.Fatalf("update: %v", err)
	}
	stored, err := store.GetCredential(ctx, "cred-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.SignCount != 42 {
		t.Fatalf("expected sign count 42, got %d", stored.SignCount)
	}
	if stored.LastUsedAt == nil || !stored.LastUsedAt.Equal(usedAt) {
		t.Fatalf("expected last used %v, got %v", usedAt, stored.LastUsedAt)
	}

	if err := store.UpdateCredentialSignCount(ctx, "missing", 1, usedAt); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteCredentialOwnerScoped(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)

	if err := store.InsertCredential(ctx, testCredential("cred-1", "user-1", now)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.DeleteCredential(ctx, "cred-1", "user-2"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("cross-user delete: expected not found, got %v", err)
	}
	if _, err := store.GetCredential(ctx, "cred-1"); err != nil {
		t.Fatalf("credential should survive cross-user delete: %v", err)
	}
	if err := store.DeleteCredential(ctx, "cred-1", "user-1"); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
	if _, err := store.GetCredential(ctx, "cred-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestUpdateCredentialLabel(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)

	if err := store.InsertCredential(ctx, testCredential("cred-1", "user-1", now)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.UpdateCredentialLabel(ctx, "cred-1", "user-2", "hijack"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("cross-user rename: expected not found, got %v", err)
	}
	if err := store.UpdateCredentialLabel(ctx, "cred-1", "user-1", "backup key"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	stored, err := store.GetCredential(ctx, "cred-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Label != "backup key" {
		t.Fatalf("expected renamed label, got %q", stored.Label)
	}
}
