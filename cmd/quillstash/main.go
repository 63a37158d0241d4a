package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/quillstash/quillstash/internal/config"
	"github.com/quillstash/quillstash/internal/db"
	"github.com/quillstash/quillstash/internal/model"
)

var (
	cfgFile string
	verbose bool
	version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "quillstash",
		Short:   "Multi-tenant note item store for Postgres",
		Long:    `A server-side item store: per-user note items with pluggable content storage, an append-only change log, and background jobs that keep share access and size accounting consistent.`,
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: level,
			})))
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		jobsCmd(),
		statusCmd(),
		migrateCmd(),
		importStorageCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func jobsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "Run the background consistency jobs",
		Long:  `Runs the share propagation and size accounting jobs on their configured intervals until interrupted. Reloads intervals when the config file changes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			database, err := db.New(ctx, &cfg.Database)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer database.Close()

			models, err := model.New(ctx, database, cfg)
			if err != nil {
				return fmt.Errorf("failed to build models: %w", err)
			}

			propagator := model.NewPropagator(models, slog.Default())
			sizes := model.NewSizeUpdater(models, slog.Default())

			propagationTicker := time.NewTicker(jobInterval(cfg.Jobs.PropagationIntervalSec, 10*time.Second))
			defer propagationTicker.Stop()
			sizesTicker := time.NewTicker(jobInterval(cfg.Jobs.SizesIntervalSec, 60*time.Second))
			defer sizesTicker.Stop()

			var watcher *config.Watcher
			if cfgFile != "" {
				watcher, err = config.NewWatcher(cfgFile)
				if err != nil {
					return fmt.Errorf("failed to watch config: %w", err)
				}
				if err := watcher.Start(ctx); err != nil {
					return fmt.Errorf("failed to start config watcher: %w", err)
				}
				defer watcher.Stop()
			}
			var reloads <-chan *config.Config
			if watcher != nil {
				reloads = watcher.Configs()
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			slog.Info("jobs started",
				"propagation_interval", jobInterval(cfg.Jobs.PropagationIntervalSec, 10*time.Second),
				"sizes_interval", jobInterval(cfg.Jobs.SizesIntervalSec, 60*time.Second))

			for {
				select {
				case <-sigCh:
					slog.Info("shutting down...")
					return nil

				case <-propagationTicker.C:
					if err := propagator.Run(ctx); err != nil {
						slog.Error("share propagation failed", "error", err)
					}

				case <-sizesTicker.C:
					if err := sizes.Run(ctx); err != nil {
						slog.Error("size accounting failed", "error", err)
					}

				case newCfg := <-reloads:
					slog.Info("config reloaded, adjusting job intervals")
					propagationTicker.Reset(jobInterval(newCfg.Jobs.PropagationIntervalSec, 10*time.Second))
					sizesTicker.Reset(jobInterval(newCfg.Jobs.SizesIntervalSec, 60*time.Second))
				}
			}
		},
	}
}

func jobInterval(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

type statusReport struct {
	Database struct {
		Connected bool   `yaml:"connected"`
		Host      string `yaml:"host"`
		Name      string `yaml:"name"`
	} `yaml:"database"`
	Storage struct {
		StorageID int    `yaml:"storage_id"`
		Provider  string `yaml:"provider"`
		Fallback  string `yaml:"fallback,omitempty"`
	} `yaml:"storage"`
	Counts struct {
		Users   int64 `yaml:"users"`
		Items   int64 `yaml:"items"`
		Shares  int64 `yaml:"shares"`
		Changes int64 `yaml:"changes"`
	} `yaml:"counts"`
	Cursors struct {
		SharePropagation string `yaml:"share_propagation"`
		SizeAccounting   string `yaml:"size_accounting"`
	} `yaml:"cursors"`
}

func statusCmd() *cobra.Command {
	output := ""
	migrationsDir := ""
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show store status and job cursors",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			report := &statusReport{}
			report.Database.Host = cfg.Database.Host
			report.Database.Name = cfg.Database.Database
			report.Storage.StorageID = cfg.Storage.StorageID
			report.Storage.Provider = cfg.Storage.Provider
			if cfg.StorageFallback != nil {
				report.Storage.Fallback = cfg.StorageFallback.Provider
			}

			database, err := db.New(ctx, &cfg.Database)
			if err != nil {
				printStatus(report, output)
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				return nil
			}
			defer database.Close()
			report.Database.Connected = true

			for table, dest := range map[string]*int64{
				"users":   &report.Counts.Users,
				"items":   &report.Counts.Items,
				"shares":  &report.Counts.Shares,
				"changes": &report.Counts.Changes,
			} {
				err := database.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+table).Scan(dest)
				if err != nil {
					return fmt.Errorf("failed to count %s: %w", table, err)
				}
			}

			models, err := model.New(ctx, database, cfg)
			if err != nil {
				return fmt.Errorf("failed to build models: %w", err)
			}
			if report.Cursors.SharePropagation, err = models.KeyValues.Value(ctx, "share.latestProcessedChange"); err != nil {
				return err
			}
			if report.Cursors.SizeAccounting, err = models.KeyValues.Value(ctx, "itemSizes.latestProcessedChange"); err != nil {
				return err
			}

			if err := printStatus(report, output); err != nil {
				return err
			}

			if migrationsDir != "" {
				fmt.Println()
				if err := database.MigrationStatus(migrationsDir); err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format (text|yaml)")
	cmd.Flags().StringVar(&migrationsDir, "migrations", "", "also print migration status from this directory")
	return cmd
}

func printStatus(report *statusReport, output string) error {
	if output == "yaml" {
		return yaml.NewEncoder(os.Stdout).Encode(report)
	}

	fmt.Println("=== Quillstash Status ===")
	if report.Database.Connected {
		fmt.Printf("Database Status: Connected\n")
	} else {
		fmt.Printf("Database Status: Disconnected\n")
	}
	fmt.Printf("  Host: %s\n", report.Database.Host)
	fmt.Printf("  Database: %s\n", report.Database.Name)
	fmt.Println()
	fmt.Printf("Storage: %s (id %d)\n", report.Storage.Provider, report.Storage.StorageID)
	if report.Storage.Fallback != "" {
		fmt.Printf("  Fallback: %s\n", report.Storage.Fallback)
	}
	if !report.Database.Connected {
		return nil
	}
	fmt.Println()
	fmt.Printf("Rows:\n")
	fmt.Printf("  Users: %d\n", report.Counts.Users)
	fmt.Printf("  Items: %d\n", report.Counts.Items)
	fmt.Printf("  Shares: %d\n", report.Counts.Shares)
	fmt.Printf("  Changes: %d\n", report.Counts.Changes)
	fmt.Println()
	fmt.Printf("Job Cursors:\n")
	fmt.Printf("  Share propagation: %s\n", orNone(report.Cursors.SharePropagation))
	fmt.Printf("  Size accounting: %s\n", orNone(report.Cursors.SizeAccounting))
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long:  `Runs all pending database migrations.`,
	}

	migrationsDir := ""
	cmd.Flags().StringVar(&migrationsDir, "dir", "", "migrations directory (defaults to config)")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if migrationsDir == "" {
			migrationsDir = cfg.MigrationsDir
		}
		if migrationsDir == "" {
			migrationsDir = "migrations"
		}

		database, err := db.New(ctx, &cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()

		if !filepath.IsAbs(migrationsDir) {
			exe, _ := os.Executable()
			exeDir := filepath.Dir(exe)
			if _, err := os.Stat(filepath.Join(exeDir, migrationsDir)); err == nil {
				migrationsDir = filepath.Join(exeDir, migrationsDir)
			} else {
				cwd, _ := os.Getwd()
				migrationsDir = filepath.Join(cwd, migrationsDir)
			}
		}

		if err := database.RunMigrations(ctx, migrationsDir); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}

		fmt.Println("Migrations completed successfully.")
		return nil
	}

	return cmd
}

func importStorageCmd() *cobra.Command {
	target := config.StorageConfig{}
	var includePatterns []string
	var batchSize int

	cmd := &cobra.Command{
		Use:   "import-storage",
		Short: "Migrate item content to another storage backend",
		Long:  `Copies item content to the target storage backend and repoints items at it. Safe to run while the store is online; interrupted runs can simply be restarted.`,
	}

	cmd.Flags().IntVar(&target.StorageID, "storage-id", 0, "target storage id")
	cmd.Flags().StringVar(&target.Provider, "provider", "", "target provider (filesystem|database|s3)")
	cmd.Flags().StringVar(&target.Path, "path", "", "filesystem root (provider=filesystem)")
	cmd.Flags().StringVar(&target.Bucket, "bucket", "", "bucket name (provider=s3)")
	cmd.Flags().StringVar(&target.Region, "region", "", "bucket region (provider=s3)")
	cmd.Flags().StringVar(&target.Prefix, "prefix", "", "key prefix (provider=s3)")
	cmd.Flags().StringArrayVar(&includePatterns, "include", nil, "only import items whose name matches the glob (repeatable)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "items per batch (defaults to config)")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		database, err := db.New(ctx, &cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()

		models, err := model.New(ctx, database, cfg)
		if err != nil {
			return fmt.Errorf("failed to build models: %w", err)
		}

		targetDriver, err := models.Loader().Load(ctx, &target)
		if err != nil {
			return fmt.Errorf("failed to load target driver: %w", err)
		}

		if batchSize <= 0 {
			batchSize = cfg.Jobs.ImportBatchSize
		}

		importer := model.NewContentImporter(models, slog.Default())
		err = importer.Run(ctx, model.ImportOptions{
			Target:          targetDriver,
			IncludePatterns: includePatterns,
			BatchSize:       batchSize,
			RetryAttempts:   cfg.Jobs.RetryAttempts,
			RetryDelay:      time.Duration(cfg.Jobs.RetryDelayMs) * time.Millisecond,
			Progress:        true,
		})
		if err != nil {
			return fmt.Errorf("import failed: %w", err)
		}

		fmt.Println("Content import completed successfully.")
		return nil
	}

	return cmd
}
