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

// InsertCredential stores a newly registered credential.
func (s *Store) InsertCredential(ctx context.Context, credential storage.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credential.CredentialID) == "" {
		return fmt.Errorf("credential id is required")
	}
	if strings.TrimSpace(credential.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	if len(credential.PublicKey) == 0 {
		return fmt.Errorf("public key is required")
	}

	lastUsed := sql.NullInt64{}
	if credential.LastUsedAt != nil {
		lastUsed = sql.NullInt64{Int64: toMillis(*credential.LastUsedAt), Valid: true}
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO mfa_credentials (
	credential_id,
	user_id,
	public_key,
	algorithm,
	attestation_format,
	sign_count,
	transports,
	label,
	created_at,
	last_used_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		credential.CredentialID,
		credential.UserID,
		credential.PublicKey,
		credential.Algorithm,
		credential.AttestationFormat,
		int64(credential.SignCount),
		encodeTransports(credential.Transports),
		credential.Label,
		toMillis(credential.CreatedAt),
		lastUsed,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicateCredential
		}
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

// GetCredential fetches a stored credential by its id.
func (s *Store) GetCredential(ctx context.Context, credentialID string) (storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return storage.Credential{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Credential{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credentialID) == "" {
		return storage.Credential{}, fmt.Errorf("credential id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, credentialColumns+`
WHERE credential_id = ?
`, credentialID)
	credential, err := scanCredential(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Credential{}, storage.ErrNotFound
		}
		return storage.Credential{}, fmt.Errorf("get credential: %w", err)
	}
	return credential, nil
}

// ListCredentialsByUser returns a user's credentials ordered by creation time.
func (s *Store) ListCredentialsByUser(ctx context.Context, userID string) ([]storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("user id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, credentialColumns+`
WHERE user_id = ?
ORDER BY created_at ASC, credential_id ASC
`, userID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var credentials []storage.Credential
	for rows.Next() {
		credential, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		credentials = append(credentials, credential)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return credentials, nil
}

// UpdateCredentialSignCount writes the authenticator counter and last-used time.
// The write is unconditional; monotonicity was validated by the caller.
func (s *Store) UpdateCredentialSignCount(ctx context.Context, credentialID string, signCount uint32, usedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credentialID) == "" {
		return fmt.Errorf("credential id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE mfa_credentials
SET sign_count = ?, last_used_at = ?
WHERE credential_id = ?
`,
		int64(signCount),
		toMillis(usedAt),
		credentialID,
	)
	if err != nil {
		return fmt.Errorf("update sign count: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update sign count rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// UpdateCredentialLabel renames an owned credential.
func (s *Store) UpdateCredentialLabel(ctx context.Context, credentialID, userID, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credentialID) == "" {
		return fmt.Errorf("credential id is required")
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE mfa_credentials
SET label = ?
WHERE credential_id = ? AND user_id = ?
`, label, credentialID, userID)
	if err != nil {
		return fmt.Errorf("update label: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update label rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteCredential removes an owned credential.
func (s *Store) DeleteCredential(ctx context.Context, credentialID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credentialID) == "" {
		return fmt.Errorf("credential id is required")
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM mfa_credentials
WHERE credential_id = ? AND user_id = ?
`, credentialID, userID)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete credential rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

const credentialColumns = `
SELECT credential_id, user_id, public_key, algorithm, attestation_format, sign_count, transports, label, created_at, last_used_at
FROM mfa_credentials
`

func scanCredential(row rowScanner) (storage.Credential, error) {
	var credential storage.Credential
	var signCount int64
	var transports string
	var createdAt int64
	var lastUsedAt sql.NullInt64
	if err := row.Scan(
		&credential.CredentialID,
		&credential.UserID,
		&credential.PublicKey,
		&credential.Algorithm,
		&credential.AttestationFormat,
		&signCount,
		&transports,
		&credential.Label,
		&createdAt,
		&lastUsedAt,
	); err != nil {
		return storage.Credential{}, err
	}
	credential.SignCount = uint32(signCount)
	credential.Transports = decodeTransports(transports)
	credential.CreatedAt = fromMillis(createdAt)
	if lastUsedAt.Valid {
		value := fromMillis(lastUsedAt.Int64)
		credential.LastUsedAt = &value
	}
	return credential, nil
}

func encodeTransports(transports []string) string {
	return strings.Join(transports, ",")
}

func decodeTransports(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return strings.Split(value, ",")
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
