package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/schollz/progressbar/v3"

	"github.com/quillstash/quillstash/internal/db"
	"github.com/quillstash/quillstash/internal/storage"
)

// ContentImporter migrates item content between storage drivers while the
// system stays online. Rows keep pointing at their old driver until the
// copy has landed, so reads are never broken mid-migration.
type ContentImporter struct {
	m   *Models
	log *slog.Logger
}

// NewContentImporter returns an importer over the given models
func NewContentImporter(m *Models, log *slog.Logger) *ContentImporter {
	return &ContentImporter{m: m, log: log}
}

// ImportOptions configures one migration run
type ImportOptions struct {
	// Target receives the content. Items already on it are skipped.
	Target storage.Driver

	// IncludePatterns restricts the run to items whose name matches any
	// glob pattern. Empty means all items.
	IncludePatterns []string

	BatchSize     int
	RetryAttempts int
	RetryDelay    time.Duration

	// Progress draws a terminal progress bar
	Progress bool
}

func (o ImportOptions) withDefaults() ImportOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = 1000
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 2 * time.Second
	}
	return o
}

// Run moves every matching item's content to the target driver. Items
// updated concurrently are retried with linear backoff; an item that
// keeps failing aborts the run so the operator sees it.
func (im *ContentImporter) Run(ctx context.Context, opts ImportOptions) error {
	opts = opts.withDefaults()
	if opts.Target == nil {
		return fmt.Errorf("target driver is required")
	}
	targetID := opts.Target.StorageID()

	var total int64
	err := im.m.pool().QueryRow(ctx,
		"SELECT COUNT(*) FROM items WHERE content_storage_id != $1", targetID).Scan(&total)
	if err != nil {
		return fmt.Errorf("failed to count items to import: %w", err)
	}

	var bar *progressbar.ProgressBar
	if opts.Progress && total > 0 {
		bar = progressbar.Default(total, "importing content")
	}

	var imported, skipped int
	cursor := ""
	for {
		items, err := im.nextBatch(ctx, targetID, cursor, opts.BatchSize)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			break
		}
		cursor = items[len(items)-1].ID

		for _, it := range items {
			if bar != nil {
				_ = bar.Add(1)
			}
			ok, err := matchesAny(it.Name, opts.IncludePatterns)
			if err != nil {
				return err
			}
			if !ok {
				skipped++
				continue
			}
			if err := im.importOne(ctx, it.ID, opts); err != nil {
				return fmt.Errorf("item %s: %w", it.ID, err)
			}
			imported++
		}
	}

	im.log.Info("content import finished",
		slog.Int("imported", imported),
		slog.Int("skipped", skipped),
		slog.Int("target_storage_id", targetID))
	return nil
}

func (im *ContentImporter) nextBatch(ctx context.Context, targetID int, afterID string, limit int) ([]*Item, error) {
	rows, err := im.m.pool().Query(ctx, `
		SELECT `+itemFields+` FROM items
		WHERE content_storage_id != $1 AND id > $2
		ORDER BY id
		LIMIT $3
	`, targetID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list items to import: %w", err)
	}
	return scanItems(rows)
}

func (im *ContentImporter) importOne(ctx context.Context, itemID string, opts ImportOptions) error {
	for attempt := 1; ; attempt++ {
		err := im.moveContent(ctx, itemID, opts.Target)
		if err == nil {
			return nil
		}
		if !errors.Is(err, db.ErrConcurrentUpdate) || attempt >= opts.RetryAttempts {
			return err
		}
		im.log.Warn("item changed during import, retrying",
			slog.String("item_id", itemID),
			slog.Int("attempt", attempt))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.RetryDelay * time.Duration(attempt)):
		}
	}
}

// moveContent copies one item's blob to the target and flips the row to
// point at it. The update is conditional on updated_time, so a write that
// raced the copy leaves the row untouched and surfaces as
// db.ErrConcurrentUpdate.
func (im *ContentImporter) moveContent(ctx context.Context, itemID string, target storage.Driver) error {
	it, err := im.m.Items.load(ctx, im.m.pool(), itemID)
	if err != nil {
		return err
	}
	if it.ContentStorageID == target.StorageID() {
		return nil
	}

	source, err := im.m.loader.ByStorageID(it.ContentStorageID)
	if err != nil {
		return err
	}
	content, err := source.Read(ctx, it.ID)
	if errors.Is(err, storage.ErrNotFound) {
		content = nil
	} else if err != nil {
		return err
	}

	if err := target.Write(ctx, it.ID, content); err != nil {
		return err
	}

	tag, err := im.m.pool().Exec(ctx, `
		UPDATE items SET content_storage_id = $2
		WHERE id = $1 AND updated_time = $3
	`, it.ID, target.StorageID(), it.UpdatedTime)
	if err != nil {
		return fmt.Errorf("failed to update item storage id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: item %s", db.ErrConcurrentUpdate, it.ID)
	}
	return nil
}

func matchesAny(name string, patterns []string) (bool, error) {
	if len(patterns) == 0 {
		return true, nil
	}
	for _, p := range patterns {
		ok, err := doublestar.Match(p, name)
		if err != nil {
			return false, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
