package model

import (
	"context"
	"fmt"

	"github.com/quillstash/quillstash/internal/config"
	"github.com/quillstash/quillstash/internal/db"
	"github.com/quillstash/quillstash/internal/storage"
)

// Models wires the item store together: database, storage drivers and the
// per-concern model structs. One instance is shared by all callers.
type Models struct {
	db     *db.DB
	loader *storage.Loader
	jobs   config.JobsConfig

	driver         storage.Driver
	driverFallback storage.Driver

	Items         *Items
	UserItems     *UserItems
	Changes       *Changes
	Shares        *Shares
	ShareUsers    *ShareUsers
	Users         *Users
	ItemResources *ItemResources
	KeyValues     *KeyValues
}

// New builds the model layer. The primary storage driver is required; cfg
// may carry an optional fallback used during backend migration.
func New(ctx context.Context, database *db.DB, cfg *config.Config) (*Models, error) {
	loader := storage.NewLoader(database.Pool)

	driver, err := loader.Load(ctx, &cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to load storage driver: %w", err)
	}

	var fallback storage.Driver
	if cfg.StorageFallback != nil {
		fallback, err = loader.Load(ctx, cfg.StorageFallback)
		if err != nil {
			return nil, fmt.Errorf("failed to load fallback storage driver: %w", err)
		}
	}

	return newWithDrivers(database, loader, cfg.Jobs, driver, fallback), nil
}

// NewWithDrivers builds the model layer from pre-built drivers. Used by
// tests to inject memory drivers.
func NewWithDrivers(database *db.DB, jobs config.JobsConfig, driver, fallback storage.Driver) *Models {
	loader := storage.NewLoader(database.Pool)
	loader.Register(driver)
	if fallback != nil {
		loader.Register(fallback)
	}
	return newWithDrivers(database, loader, jobs, driver, fallback)
}

func newWithDrivers(database *db.DB, loader *storage.Loader, jobs config.JobsConfig, driver, fallback storage.Driver) *Models {
	m := &Models{
		db:             database,
		loader:         loader,
		jobs:           jobs,
		driver:         driver,
		driverFallback: fallback,
	}

	m.Items = &Items{m: m}
	m.UserItems = &UserItems{m: m}
	m.Changes = &Changes{m: m}
	m.Shares = &Shares{m: m}
	m.ShareUsers = &ShareUsers{m: m}
	m.Users = &Users{m: m}
	m.ItemResources = &ItemResources{m: m}
	m.KeyValues = &KeyValues{m: m}

	return m
}

// DB exposes the underlying database handle
func (m *Models) DB() *db.DB {
	return m.db
}

// Driver returns the primary storage driver
func (m *Models) Driver() storage.Driver {
	return m.driver
}

// DriverFallback returns the fallback driver, or nil
func (m *Models) DriverFallback() storage.Driver {
	return m.driverFallback
}

// Loader returns the storage driver loader
func (m *Models) Loader() *storage.Loader {
	return m.loader
}

func (m *Models) pool() db.Querier {
	return m.db.Pool
}

func (m *Models) changePageSize() int {
	if m.jobs.ChangePageSize > 0 {
		return m.jobs.ChangePageSize
	}
	return 100
}
