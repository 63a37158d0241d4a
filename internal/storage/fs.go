package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FsDriver stores one file per item id under a root directory, fanned out
// by id prefix to keep directory sizes bounded.
type FsDriver struct {
	storageID int
	mode      Mode
	root      string
}

// NewFsDriver creates a filesystem driver rooted at the given path
func NewFsDriver(storageID int, mode Mode, root string) (*FsDriver, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage root %s: %w", root, err)
	}
	return &FsDriver{storageID: storageID, mode: mode, root: root}, nil
}

func (d *FsDriver) StorageID() int { return d.storageID }
func (d *FsDriver) Mode() Mode     { return d.mode }

func (d *FsDriver) itemPath(itemID string) string {
	fanout := "00"
	if len(itemID) >= 2 {
		fanout = itemID[:2]
	}
	return filepath.Join(d.root, fanout, itemID)
}

func (d *FsDriver) Write(ctx context.Context, itemID string, content []byte) error {
	path := d.itemPath(itemID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create content directory: %w", err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		return fmt.Errorf("failed to write content %s: %w", itemID, err)
	}
	return nil
}

func (d *FsDriver) Read(ctx context.Context, itemID string) ([]byte, error) {
	content, err := os.ReadFile(d.itemPath(itemID))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, itemID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read content %s: %w", itemID, err)
	}
	return content, nil
}

func (d *FsDriver) Exists(ctx context.Context, itemID string) (bool, error) {
	_, err := os.Stat(d.itemPath(itemID))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat content %s: %w", itemID, err)
	}
	return true, nil
}

func (d *FsDriver) Delete(ctx context.Context, itemIDs []string) error {
	for _, id := range itemIDs {
		if err := os.Remove(d.itemPath(id)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete content %s: %w", id, err)
		}
	}
	return nil
}
