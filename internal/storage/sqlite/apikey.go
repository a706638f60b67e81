package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pylon "github.com/eugener/pylon/internal"
	"github.com/eugener/pylon/internal/storage"
)

const keyColumns = `id, key_hash, key_prefix, description, priority,
 rate_limit_config, created_at, expires_at, revoked_at`

// CreateKey inserts a new API key.
func (s *Store) CreateKey(ctx context.Context, key *pylon.APIKey) error {
	limits, err := marshalLimits(key.Limits)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO api_keys (id, key_hash, key_prefix, description, priority,
		 rate_limit_config, created_at, expires_at, revoked_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.KeyHash, key.KeyPrefix, key.Description, string(key.Priority),
		limits, key.CreatedAt.UTC().Format(time.RFC3339),
		timeToStr(key.ExpiresAt), timeToStr(key.RevokedAt),
	)
	return err
}

// GetKey retrieves an API key by its ID.
func (s *Store) GetKey(ctx context.Context, id string) (*pylon.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE id = ?`, id)
	return scanKey(row)
}

// GetKeyByHash retrieves an API key by its SHA-256 hash.
func (s *Store) GetKeyByHash(ctx context.Context, hash string) (*pylon.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE key_hash = ?`, hash)
	return scanKey(row)
}

// ListKeys returns keys newest first, filtering out revoked and expired
// keys unless the matching flag is set.
func (s *Store) ListKeys(ctx context.Context, includeRevoked, includeExpired bool) ([]*pylon.APIKey, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys
		 WHERE (? OR revoked_at IS NULL)
		   AND (? OR expires_at IS NULL OR expires_at > ?)
		 ORDER BY created_at DESC`,
		boolToInt(includeRevoked), boolToInt(includeExpired), now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*pylon.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdateKey replaces every mutable column of an existing key, including
// hash and prefix so refresh is a plain update.
func (s *Store) UpdateKey(ctx context.Context, key *pylon.APIKey) error {
	limits, err := marshalLimits(key.Limits)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET key_hash=?, key_prefix=?, description=?, priority=?,
		 rate_limit_config=?, expires_at=?, revoked_at=? WHERE id=?`,
		key.KeyHash, key.KeyPrefix, key.Description, string(key.Priority),
		limits, timeToStr(key.ExpiresAt), timeToStr(key.RevokedAt), key.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// DeleteKey removes an API key permanently.
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// CountKeys summarizes keys by lifecycle state in one pass.
func (s *Store) CountKeys(ctx context.Context) (storage.KeyCounts, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	var c storage.KeyCounts
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*),
		 SUM(CASE WHEN revoked_at IS NOT NULL THEN 1 ELSE 0 END),
		 SUM(CASE WHEN revoked_at IS NULL AND expires_at IS NOT NULL AND expires_at <= ? THEN 1 ELSE 0 END)
		 FROM api_keys`, now,
	).Scan(&c.Total, &c.Revoked, &c.Expired)
	if err != nil {
		return storage.KeyCounts{}, err
	}
	c.Active = c.Total - c.Revoked - c.Expired
	return c, nil
}

// TouchKeyUsed updates the last_used_at timestamp.
func (s *Store) TouchKeyUsed(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at=? WHERE id=?`,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	return err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows to pylon.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return pylon.ErrNotFound
	}
	return err
}

func scanKey(s scanner) (*pylon.APIKey, error) {
	var k pylon.APIKey
	var priority string
	var limits, createdAt, expiresAt, revokedAt sql.NullString

	err := s.Scan(
		&k.ID, &k.KeyHash, &k.KeyPrefix, &k.Description, &priority,
		&limits, &createdAt, &expiresAt, &revokedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	k.Priority = pylon.Priority(priority)
	if !k.Priority.Valid() {
		k.Priority = pylon.PriorityNormal
	}
	k.Limits, err = unmarshalLimits(limits)
	if err != nil {
		return nil, err
	}
	k.ExpiresAt = parseTime(expiresAt)
	k.RevokedAt = parseTime(revokedAt)
	if t := parseTime(createdAt); t != nil {
		k.CreatedAt = *t
	}
	return &k, nil
}

// helpers

func marshalLimits(r *pylon.Rule) (sql.NullString, error) {
	if r == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalLimits(ns sql.NullString) (*pylon.Rule, error) {
	if !ns.Valid {
		return nil, nil
	}
	var r pylon.Rule
	if err := json.Unmarshal([]byte(ns.String), &r); err != nil {
		return nil, fmt.Errorf("unmarshal rate limit config: %w", err)
	}
	return &r, nil
}

func timeToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, pylon.ErrNotFound)
	}
	return nil
}
