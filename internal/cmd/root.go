// Package cmd provides the kasane command-line interface. It handles
// command parsing, configuration loading, and wiring of the ingestion
// pipeline, migration engine, and search synchronizer.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/hfujita/kasane/internal/config"
	"github.com/hfujita/kasane/internal/logging"
	"github.com/hfujita/kasane/internal/storage"
)

var (
	cfgFile   string
	version   string
	buildTime string
)

var rootCmd = &cobra.Command{
	Use:   "kasane",
	Short: "Shared-page deduplication and CDX ingestion service",
	Long: `Kasane deduplicates captured web pages across projects.

CDX records ingested for any project resolve against a shared
content-addressed page store; identical captures become one page with
per-project associations, and page content is synced to a search index.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets version information for the CLI.
func SetVersionInfo(v, bt string) {
	version = v
	buildTime = bt
	rootCmd.Version = fmt.Sprintf("%s (built %s)", version, buildTime)
}

func userAgent() string {
	if version != "" && version != "dev" {
		return "Kasane/" + version
	}
	return "Kasane/dev"
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./kasane.yml)")
	rootCmd.PersistentFlags().StringP("database", "d", "./kasane.db", "Path to SQLite database file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-file", "", "Optional log file path")
	rootCmd.PersistentFlags().IntP("concurrency", "c", 4, "Number of concurrent pipeline workers")
	rootCmd.PersistentFlags().Bool("show-config", false, "Display current configuration in YAML format and exit")

	bindFlags := []struct {
		viperKey string
		flagName string
	}{
		{"database_path", "database"},
		{"log_level", "log-level"},
		{"log_file", "log-file"},
		{"concurrency", "concurrency"},
	}
	for _, bind := range bindFlags {
		if err := viper.BindPFlag(bind.viperKey, rootCmd.PersistentFlags().Lookup(bind.flagName)); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to bind flag %s: %v\n", bind.flagName, err)
		}
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("kasane")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("KS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// loadConfig resolves the effective configuration and, when --show-config
// is set, prints it and reports done=true.
func loadConfig(cmd *cobra.Command) (cfg *config.Config, done bool, err error) {
	cfg = config.DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if show, _ := cmd.Flags().GetBool("show-config"); show {
		return cfg, true, showCurrentConfig(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, false, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, false, nil
}

func showCurrentConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: configuration validation failed: %v\n\n", err)
	}

	yamlData, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration to YAML: %w", err)
	}

	fmt.Printf("# Current Kasane Configuration\n")
	fmt.Printf("# Generated at: %s\n", time.Now().Format(time.RFC3339))
	fmt.Printf("# Configuration file search paths: ./kasane.yml\n")
	fmt.Printf("# Environment variables prefix: KS_\n\n")
	fmt.Print(string(yamlData))

	fmt.Printf("\n# Configuration source priority:\n")
	fmt.Printf("# 1. Command-line arguments (highest priority)\n")
	fmt.Printf("# 2. Environment variables (KS_ prefix)\n")
	fmt.Printf("# 3. Configuration file (kasane.yml)\n")
	fmt.Printf("# 4. Default values (lowest priority)\n")
	return nil
}

// openStore sets up logging and opens the database, creating its directory
// when missing. The returned cleanup closes both.
func openStore(cfg *config.Config) (*storage.Store, func(), error) {
	logCloser, err := logging.Setup(logging.Options{
		Level:    cfg.LogLevel,
		FilePath: cfg.LogFile,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logging: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o750); err != nil {
		_ = logCloser.Close()
		return nil, nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		_ = logCloser.Close()
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	cleanup := func() {
		_ = store.Close()
		_ = logCloser.Close()
	}
	return store, cleanup, nil
}
