package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/quillstash/quillstash/internal/db"
)

// DbDriver stores blobs in the item_contents table, next to the metadata
// rows. The table is keyed by item id only; two database drivers with
// different storage ids share it, which is fine because an item's blob
// lives in exactly one place per driver at a time.
type DbDriver struct {
	storageID int
	mode      Mode
	q         db.Querier
}

// NewDbDriver creates a driver backed by the item_contents table
func NewDbDriver(storageID int, mode Mode, q db.Querier) *DbDriver {
	return &DbDriver{storageID: storageID, mode: mode, q: q}
}

func (d *DbDriver) StorageID() int { return d.storageID }
func (d *DbDriver) Mode() Mode     { return d.mode }

func (d *DbDriver) Write(ctx context.Context, itemID string, content []byte) error {
	_, err := d.q.Exec(ctx, `
		INSERT INTO item_contents (item_id, content, updated_time)
		VALUES ($1, $2, NOW())
		ON CONFLICT (item_id) DO UPDATE SET
			content = EXCLUDED.content,
			updated_time = NOW()
	`, itemID, content)
	if err != nil {
		return fmt.Errorf("failed to write content %s: %w", itemID, err)
	}
	return nil
}

func (d *DbDriver) Read(ctx context.Context, itemID string) ([]byte, error) {
	var content []byte
	err := d.q.QueryRow(ctx,
		"SELECT content FROM item_contents WHERE item_id = $1", itemID,
	).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, itemID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read content %s: %w", itemID, err)
	}
	return content, nil
}

func (d *DbDriver) Exists(ctx context.Context, itemID string) (bool, error) {
	var exists bool
	err := d.q.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM item_contents WHERE item_id = $1)", itemID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check content %s: %w", itemID, err)
	}
	return exists, nil
}

func (d *DbDriver) Delete(ctx context.Context, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	_, err := d.q.Exec(ctx,
		"DELETE FROM item_contents WHERE item_id = ANY($1)", itemIDs)
	if err != nil {
		return fmt.Errorf("failed to delete contents: %w", err)
	}
	return nil
}
