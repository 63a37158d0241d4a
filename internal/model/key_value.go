package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/quillstash/quillstash/internal/db"
)

// KeyValues is a small key-value store, used for job cursors so a restart
// resumes from the last fully processed change page.
type KeyValues struct {
	m *Models
}

// Value returns the stored value for key, or "" if the key is unset
func (kv *KeyValues) Value(ctx context.Context, key string) (string, error) {
	var value string
	err := kv.m.pool().QueryRow(ctx,
		"SELECT value FROM key_value WHERE key = $1", key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read key %s: %w", key, err)
	}
	return value, nil
}

// SetValue upserts a key within the given querier (pool or transaction)
func (kv *KeyValues) SetValue(ctx context.Context, q db.Querier, key, value string) error {
	_, err := q.Exec(ctx, `
		INSERT INTO key_value (key, value, updated_time)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_time = EXCLUDED.updated_time
	`, key, value, nowMilli())
	if err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}
