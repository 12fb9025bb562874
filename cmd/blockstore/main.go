// Command blockstore inspects and edits a block metadata store on disk.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ocelotpotpie/BlockStore/internal/config"
	"github.com/ocelotpotpie/BlockStore/internal/logx"
	"github.com/ocelotpotpie/BlockStore/internal/store"
)

var (
	configPath  string
	dir         string
	backend     string
	compression string
	maxHeight   int
	logLevel    string
	logJSON     bool
)

var rootCmd = &cobra.Command{
	Use:   "blockstore",
	Short: "Inspect and edit per-block metadata stores",
	Long: `blockstore operates on a store directory holding names.dat and the
persisted chunks (chunks/*.bsc or chunks.sqlite).

Positions are world block coordinates; chunks are 16x64x16 blocks.
Put "--" before arguments that start with a minus sign:

  blockstore -d data get -- -12 64 -3 owner`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVarP(&dir, "dir", "d", "", "store directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "", "chunk backend: file or sqlite")
	rootCmd.PersistentFlags().StringVar(&compression, "compression", "", "chunk compression: none, zstd or lz4")
	rootCmd.PersistentFlags().IntVar(&maxHeight, "max-height", 0, "world height in blocks")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log JSON lines instead of console output")

	rootCmd.AddCommand(namesCmd)
	rootCmd.AddCommand(chunksCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(rewriteCmd)
}

// loadConfig merges the config file with flags that were set explicitly.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return cfg, err
		}
	}
	flags := cmd.Flags()
	if flags.Changed("dir") {
		cfg.Dir = dir
	}
	if flags.Changed("backend") {
		cfg.Backend = backend
	}
	if flags.Changed("compression") {
		cfg.Compression = compression
	}
	if flags.Changed("max-height") {
		cfg.MaxHeight = maxHeight
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flags.Changed("log-json") {
		cfg.LogJSON = logJSON
	}
	// One-shot commands flush on exit instead.
	cfg.CheckpointInterval = 0
	return cfg, cfg.Validate()
}

// openStore opens the configured store. Logs go to stderr so command output
// stays clean on stdout.
func openStore(cmd *cobra.Command) (*store.Store, zerolog.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger, err := logx.New(logx.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON, Out: os.Stderr})
	if err != nil {
		return nil, logger, err
	}
	s, err := store.Open(cfg.StoreConfig(&logger))
	if err != nil {
		return nil, logger, fmt.Errorf("open store %s: %w", cfg.Dir, err)
	}
	return s, logger, nil
}

// withStore runs fn against an open store and closes it, reporting the
// first error.
func withStore(cmd *cobra.Command, fn func(s *store.Store, logger zerolog.Logger) error) error {
	s, logger, err := openStore(cmd)
	if err != nil {
		return err
	}
	runErr := fn(s, logger)
	if err := s.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
