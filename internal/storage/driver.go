// Package storage provides pluggable backends for item content blobs.
// Items record the storage id of the driver holding their blob, which is
// what makes backend migration possible without a flag-day cutover.
package storage

import (
	"context"
	"errors"
)

// Mode controls how a fallback driver participates in writes
type Mode int

const (
	// ModeReadWrite mirrors full content into the driver.
	ModeReadWrite Mode = iota

	// ModeReadOnly receives only a zero-length placeholder on write,
	// marking the content as moved away during a migration.
	ModeReadOnly
)

func (m Mode) String() string {
	switch m {
	case ModeReadWrite:
		return "rw"
	case ModeReadOnly:
		return "ro"
	default:
		return "unknown"
	}
}

// ErrNotFound is returned by Read when no blob exists for the item id.
var ErrNotFound = errors.New("content not found")

// Driver is the contract for a content storage backend.
// Implementations must be safe for concurrent use.
type Driver interface {
	// StorageID returns the stable identity recorded on item rows.
	StorageID() int

	// Mode returns how this driver participates in writes when acting as
	// a fallback.
	Mode() Mode

	// Write stores content under the item id, replacing any previous blob.
	Write(ctx context.Context, itemID string, content []byte) error

	// Read returns the blob for the item id, or ErrNotFound.
	Read(ctx context.Context, itemID string) ([]byte, error)

	// Exists reports whether a blob is stored under the item id.
	Exists(ctx context.Context, itemID string) (bool, error)

	// Delete removes the blobs for the given item ids. Missing blobs are
	// not an error: deletes must be idempotent.
	Delete(ctx context.Context, itemIDs []string) error
}
