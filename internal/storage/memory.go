package storage

import (
	"context"
	"fmt"
	"sync"
)

// MemDriver keeps blobs in a map. For tests.
type MemDriver struct {
	storageID int
	mode      Mode

	mu    sync.RWMutex
	blobs map[string][]byte

	// FailWrites makes every Write return an error, to exercise the
	// two-part commit rollback path.
	FailWrites bool
}

// NewMemDriver creates an in-memory driver
func NewMemDriver(storageID int, mode Mode) *MemDriver {
	return &MemDriver{
		storageID: storageID,
		mode:      mode,
		blobs:     make(map[string][]byte),
	}
}

func (d *MemDriver) StorageID() int { return d.storageID }
func (d *MemDriver) Mode() Mode     { return d.mode }

func (d *MemDriver) Write(ctx context.Context, itemID string, content []byte) error {
	if d.FailWrites {
		return fmt.Errorf("write refused for %s", itemID)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.blobs[itemID] = append([]byte(nil), content...)
	return nil
}

func (d *MemDriver) Read(ctx context.Context, itemID string) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	content, ok := d.blobs[itemID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, itemID)
	}
	return append([]byte(nil), content...), nil
}

func (d *MemDriver) Exists(ctx context.Context, itemID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.blobs[itemID]
	return ok, nil
}

func (d *MemDriver) Delete(ctx context.Context, itemIDs []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range itemIDs {
		delete(d.blobs, id)
	}
	return nil
}

// Len returns the number of stored blobs
func (d *MemDriver) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.blobs)
}
