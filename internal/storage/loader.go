package storage

import (
	"context"
	"fmt"

	"github.com/quillstash/quillstash/internal/config"
	"github.com/quillstash/quillstash/internal/db"
)

// Loader builds drivers from configuration. Drivers are cached per storage
// id on the loader instance; there is deliberately no process-wide
// registry, so two loaders with different configs cannot observe each
// other's drivers.
type Loader struct {
	q       db.Querier
	drivers map[int]Driver
}

// NewLoader creates a driver loader. q is used by database-backed drivers.
func NewLoader(q db.Querier) *Loader {
	return &Loader{
		q:       q,
		drivers: make(map[int]Driver),
	}
}

// Load returns the driver for the given config, building it on first use
func (l *Loader) Load(ctx context.Context, cfg *config.StorageConfig) (Driver, error) {
	if d, ok := l.drivers[cfg.StorageID]; ok {
		return d, nil
	}

	d, err := l.build(ctx, cfg)
	if err != nil {
		return nil, err
	}

	l.drivers[cfg.StorageID] = d
	return d, nil
}

// Register makes a pre-built driver available under its storage id.
// Used by tests to inject memory drivers.
func (l *Loader) Register(d Driver) {
	l.drivers[d.StorageID()] = d
}

// ByStorageID returns an already-loaded driver, or an error if the id is
// unknown. Content migration uses this to resolve the source driver of
// each item.
func (l *Loader) ByStorageID(storageID int) (Driver, error) {
	d, ok := l.drivers[storageID]
	if !ok {
		return nil, fmt.Errorf("no driver loaded for storage id %d", storageID)
	}
	return d, nil
}

func (l *Loader) build(ctx context.Context, cfg *config.StorageConfig) (Driver, error) {
	mode := ModeReadWrite
	if cfg.Mode == "ro" {
		mode = ModeReadOnly
	}

	switch cfg.Provider {
	case "filesystem":
		return NewFsDriver(cfg.StorageID, mode, cfg.Path)
	case "database":
		return NewDbDriver(cfg.StorageID, mode, l.q), nil
	case "s3":
		return NewS3Driver(ctx, cfg.StorageID, mode, cfg.Bucket, cfg.Region, cfg.Prefix)
	case "memory":
		return NewMemDriver(cfg.StorageID, mode), nil
	default:
		return nil, fmt.Errorf("unknown storage provider: %s", cfg.Provider)
	}
}
