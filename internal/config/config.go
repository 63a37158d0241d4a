package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Database        DatabaseConfig `mapstructure:"database" validate:"required"`
	Storage         StorageConfig  `mapstructure:"storage" validate:"required"`
	StorageFallback *StorageConfig `mapstructure:"storage_fallback"`
	Jobs            JobsConfig     `mapstructure:"jobs"`
	MigrationsDir   string         `mapstructure:"migrations_dir"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required,min=1,max=65535"`
	User     string `mapstructure:"user" validate:"required"`
	Password string `mapstructure:"password" validate:"required"`
	Database string `mapstructure:"database" validate:"required"`
	SSLMode  string `mapstructure:"sslmode"`
}

// StorageConfig describes one content storage backend. StorageID is the
// stable identity recorded on every item row whose blob lives there, so it
// must never be reused for a different backend.
type StorageConfig struct {
	StorageID int    `mapstructure:"storage_id" validate:"required,min=1"`
	Provider  string `mapstructure:"provider" validate:"required,oneof=filesystem database s3 memory"`
	Mode      string `mapstructure:"mode" validate:"omitempty,oneof=rw ro"`

	// Filesystem provider
	Path string `mapstructure:"path"`

	// S3 provider
	Bucket string `mapstructure:"bucket"`
	Region string `mapstructure:"region"`
	Prefix string `mapstructure:"prefix"`
}

// JobsConfig holds tuning for the background jobs
type JobsConfig struct {
	PropagationIntervalSec int `mapstructure:"propagation_interval_sec"`
	SizesIntervalSec       int `mapstructure:"sizes_interval_sec"`
	ChangePageSize         int `mapstructure:"change_page_size"`
	ImportBatchSize        int `mapstructure:"import_batch_size"`
	RetryAttempts          int `mapstructure:"retry_attempts"`
	RetryDelayMs           int `mapstructure:"retry_delay_ms"`
}

// ConnectionString returns the PostgreSQL connection string
func (d *DatabaseConfig) ConnectionString() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, sslMode,
	)
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Port:    5432,
			SSLMode: "require",
		},
		Storage: StorageConfig{
			StorageID: 1,
			Provider:  "database",
		},
		Jobs: JobsConfig{
			PropagationIntervalSec: 60,
			SizesIntervalSec:       3600,
			ChangePageSize:         100,
			ImportBatchSize:        1000,
			RetryAttempts:          10,
			RetryDelayMs:           1000,
		},
		MigrationsDir: "migrations",
	}
}

// Load reads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("database.port", defaults.Database.Port)
	v.SetDefault("database.sslmode", defaults.Database.SSLMode)
	v.SetDefault("storage.storage_id", defaults.Storage.StorageID)
	v.SetDefault("storage.provider", defaults.Storage.Provider)
	v.SetDefault("jobs.propagation_interval_sec", defaults.Jobs.PropagationIntervalSec)
	v.SetDefault("jobs.sizes_interval_sec", defaults.Jobs.SizesIntervalSec)
	v.SetDefault("jobs.change_page_size", defaults.Jobs.ChangePageSize)
	v.SetDefault("jobs.import_batch_size", defaults.Jobs.ImportBatchSize)
	v.SetDefault("jobs.retry_attempts", defaults.Jobs.RetryAttempts)
	v.SetDefault("jobs.retry_delay_ms", defaults.Jobs.RetryDelayMs)
	v.SetDefault("migrations_dir", defaults.MigrationsDir)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(getConfigDir())
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("QUILLSTASH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is okay if we have environment variables
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Database.Password = os.ExpandEnv(cfg.Database.Password)
	cfg.Storage.Path = expandPath(cfg.Storage.Path)
	if cfg.StorageFallback != nil {
		cfg.StorageFallback.Path = expandPath(cfg.StorageFallback.Path)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks a Config for structural and cross-field problems
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if err := validateStorage(&cfg.Storage); err != nil {
		return err
	}
	if cfg.StorageFallback != nil {
		if err := validateStorage(cfg.StorageFallback); err != nil {
			return err
		}
		if cfg.StorageFallback.StorageID == cfg.Storage.StorageID {
			return fmt.Errorf("storage and storage_fallback must have distinct storage ids, both are %d", cfg.Storage.StorageID)
		}
		if cfg.StorageFallback.Mode == "" {
			return fmt.Errorf("storage_fallback.mode is required (rw or ro)")
		}
	}

	return nil
}

func validateStorage(sc *StorageConfig) error {
	switch sc.Provider {
	case "filesystem":
		if sc.Path == "" {
			return fmt.Errorf("storage id %d: filesystem provider requires a path", sc.StorageID)
		}
	case "s3":
		if sc.Bucket == "" {
			return fmt.Errorf("storage id %d: s3 provider requires a bucket", sc.StorageID)
		}
	}
	return nil
}

// getConfigDir returns the appropriate config directory for the OS
func getConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "quillstash")
		}
		return filepath.Join(os.Getenv("USERPROFILE"), ".config", "quillstash")
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			return filepath.Join(xdgConfig, "quillstash")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "quillstash")
	}
}

// expandPath expands ~ and environment variables in a path
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[1:])
	}
	return os.ExpandEnv(path)
}
