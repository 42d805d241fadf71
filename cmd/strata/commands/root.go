// Package commands implements the strata CLI.
package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/strata-daq/strata/pkg/config"
	"github.com/strata-daq/strata/pkg/rundb"
	"github.com/strata-daq/strata/pkg/storage"
	"github.com/strata-daq/strata/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	workDir    string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "strata",
		Short: "Strata - waveform analysis cache tooling",
		Long: `Strata manages the lineage-keyed analysis cache of the strata framework.

The cache stores every data product under a key derived from its full
derivation history, so entries never go stale silently; they simply stop
being addressed. This tool inspects, cleans, and repairs that cache.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&workDir, "work-dir", "w", "", "cache work directory (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newScanCommand())
	rootCmd.AddCommand(newCleanCommand())
	rootCmd.AddCommand(newDiagnoseCommand())
	rootCmd.AddCommand(newRunsCommand())

	return rootCmd
}

// loadConfig resolves the effective configuration from the config file
// and global flags.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if workDir != "" {
		cfg.Storage.WorkDir = workDir
	}
	if cfg.Storage.WorkDir == "" {
		return nil, fmt.Errorf("no work directory: pass --work-dir or set storage.work_dir in the config")
	}
	return cfg, nil
}

// newLogger builds the CLI logger honoring --verbose.
func newLogger(cfg *config.Config) (*telemetry.Logger, error) {
	lc := telemetry.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}
	if verbose {
		lc.Level = "debug"
	}
	return telemetry.NewLogger(lc)
}

// openStore builds the content store from the resolved configuration.
func openStore(cfg *config.Config, log *telemetry.Logger) (*storage.ContentStore, error) {
	return storage.NewContentStore(storage.Config{
		WorkDir:         cfg.Storage.WorkDir,
		Compression:     cfg.Storage.Compression,
		Checksum:        cfg.Storage.Checksum,
		VerifyChecksums: cfg.Storage.VerifyChecksums,
		LockTimeout:     time.Duration(cfg.Storage.LockTimeout),
		LockRetryDelay:  time.Duration(cfg.Storage.LockRetryDelay),
		StaleLockAge:    time.Duration(cfg.Storage.StaleLockAge),
	}, log, nil)
}

// openCatalog opens the run catalog, or returns nil when disabled.
func openCatalog(ctx context.Context, cfg *config.Config) (*rundb.Catalog, error) {
	if !cfg.Catalog.Enabled {
		return nil, nil
	}
	path := cfg.Catalog.Path
	if path == "" {
		path = filepath.Join(cfg.Storage.WorkDir, "catalog.db")
	}
	catalog, err := rundb.NewCatalog(rundb.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := catalog.Init(ctx); err != nil {
		return nil, err
	}
	return catalog, nil
}
