package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "quill",
			Password: "secret",
			Database: "quillstash",
		},
		Storage: StorageConfig{
			StorageID: 1,
			Provider:  "database",
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid minimal", func(c *Config) {}, false},
		{"missing host", func(c *Config) { c.Database.Host = "" }, true},
		{"port out of range", func(c *Config) { c.Database.Port = 70000 }, true},
		{"unknown provider", func(c *Config) { c.Storage.Provider = "tape" }, true},
		{"filesystem without path", func(c *Config) {
			c.Storage.Provider = "filesystem"
		}, true},
		{"filesystem with path", func(c *Config) {
			c.Storage.Provider = "filesystem"
			c.Storage.Path = "/tmp/content"
		}, false},
		{"s3 without bucket", func(c *Config) {
			c.Storage.Provider = "s3"
		}, true},
		{"fallback same storage id", func(c *Config) {
			c.StorageFallback = &StorageConfig{StorageID: 1, Provider: "memory", Mode: "ro"}
		}, true},
		{"fallback without mode", func(c *Config) {
			c.StorageFallback = &StorageConfig{StorageID: 2, Provider: "memory"}
		}, true},
		{"fallback read-only", func(c *Config) {
			c.StorageFallback = &StorageConfig{StorageID: 2, Provider: "memory", Mode: "ro"}
		}, false},
		{"fallback bad mode", func(c *Config) {
			c.StorageFallback = &StorageConfig{StorageID: 2, Provider: "memory", Mode: "mirror"}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConnectionString(t *testing.T) {
	d := &DatabaseConfig{
		Host: "db.internal", Port: 5433,
		User: "quill", Password: "pw", Database: "items",
	}

	got := d.ConnectionString()
	want := "postgres://quill:pw@db.internal:5433/items?sslmode=require"
	if got != want {
		t.Errorf("ConnectionString() = %q, want %q", got, want)
	}

	d.SSLMode = "disable"
	got = d.ConnectionString()
	want = "postgres://quill:pw@db.internal:5433/items?sslmode=disable"
	if got != want {
		t.Errorf("ConnectionString() = %q, want %q", got, want)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
database:
  host: localhost
  user: quill
  password: secret
  database: quillstash
storage:
  storage_id: 3
  provider: filesystem
  path: ` + dir + `
jobs:
  change_page_size: 25
`)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Port != 5432 {
		t.Errorf("default port not applied, got %d", cfg.Database.Port)
	}
	if cfg.Storage.StorageID != 3 || cfg.Storage.Provider != "filesystem" {
		t.Errorf("storage config not loaded: %+v", cfg.Storage)
	}
	if cfg.Jobs.ChangePageSize != 25 {
		t.Errorf("jobs.change_page_size = %d, want 25", cfg.Jobs.ChangePageSize)
	}
	if cfg.Jobs.ImportBatchSize != 1000 {
		t.Errorf("default import batch size not applied, got %d", cfg.Jobs.ImportBatchSize)
	}
}
