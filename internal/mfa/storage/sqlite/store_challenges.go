package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/secondfactor/internal/mfa/storage"
)

// PutChallenge stores a ceremony challenge.
func (s *Store) PutChallenge(ctx context.Context, challenge storage.Challenge) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(challenge.ID) == "" {
		return fmt.Errorf("challenge id is required")
	}
	if strings.TrimSpace(challenge.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(string(challenge.Kind)) == "" {
		return fmt.Errorf("challenge kind is required")
	}

	consumed := 0
	if challenge.Consumed {
		consumed = 1
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO mfa_challenges (id, user_id, kind, consumed, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?)
`,
		challenge.ID,
		challenge.UserID,
		string(challenge.Kind),
		consumed,
		toMillis(challenge.CreatedAt),
		toMillis(challenge.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("put challenge: %w", err)
	}
	return nil
}

// ConsumeChallenge atomically marks a live challenge consumed and returns it.
//
// The conditional UPDATE is the compare-and-set the ceremony relies on: two
// concurrent submissions of the same challenge race on the consumed flag and
// only one observes an affected row, even across processes sharing the file.
func (s *Store) ConsumeChallenge(ctx context.Context, id string, kind storage.ChallengeKind, now time.Time) (storage.Challenge, error) {
	if err := ctx.Err(); err != nil {
		return storage.Challenge{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Challenge{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(id) == "" {
		return storage.Challenge{}, fmt.Errorf("challenge id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE mfa_challenges
SET consumed = 1
WHERE id = ? AND kind = ? AND consumed = 0 AND expires_at > ?
`,
		id,
		string(kind),
		toMillis(now),
	)
	if err != nil {
		return storage.Challenge{}, fmt.Errorf("consume challenge: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.Challenge{}, fmt.Errorf("consume challenge rows affected: %w", err)
	}
	if affected == 0 {
		return storage.Challenge{}, storage.ErrNotFound
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, user_id, kind, consumed, created_at, expires_at
FROM mfa_challenges
WHERE id = ?
`, id)
	challenge, err := scanChallenge(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Challenge{}, storage.ErrNotFound
		}
		return storage.Challenge{}, fmt.Errorf("load consumed challenge: %w", err)
	}
	return challenge, nil
}

// DeleteExpiredChallenges reclaims expired and already-consumed rows.
func (s *Store) DeleteExpiredChallenges(ctx context.Context, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	_, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM mfa_challenges
WHERE expires_at <= ? OR consumed = 1
`, toMillis(now))
	if err != nil {
		return fmt.Errorf("delete expired challenges: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChallenge(row rowScanner) (storage.Challenge, error) {
	var challenge storage.Challenge
	var kind string
	var consumed int
	var createdAt int64
	var expiresAt int64
	if err := row.Scan(&challenge.ID, &challenge.UserID, &kind, &consumed, &createdAt, &expiresAt); err != nil {
		return storage.Challenge{}, err
	}
	challenge.Kind = storage.ChallengeKind(kind)
	challenge.Consumed = consumed != 0
	challenge.CreatedAt = fromMillis(createdAt)
	challenge.ExpiresAt = fromMillis(expiresAt)
	return challenge, nil
}
