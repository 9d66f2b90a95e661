// Package cmd wires the birch CLI: index creation, builds,
// inspection, queries, and the admin API server.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/birchdb/birch/pkg/config"
	"github.com/birchdb/birch/pkg/index"
	"github.com/birchdb/birch/pkg/store"
)

var (
	cfgFile string
	cfg     *config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "birch",
	Short: "birch - secondary index engine for hierarchical JSON data",
	Long: `birch maintains persistent B+ tree indexes (normal, array,
fulltext and geo) over a hierarchical record store, built with an
external merge sort and kept current through change events.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			loaded, err := config.LoadConfig(cfgFile)
			if err != nil {
				return err
			}
			cfg = loaded
			return nil
		}
		cfg = config.DefaultConfig()
		if storeDir, _ := cmd.Flags().GetString("store-dir"); storeDir != "" {
			cfg.StoreDir = storeDir
		}
		if indexDir, _ := cmd.Flags().GetString("index-dir"); indexDir != "" {
			cfg.IndexDir = indexDir
		}
		return nil
	},
}

// Execute runs the CLI. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().String("store-dir", "", "primary store directory (overrides config)")
	rootCmd.PersistentFlags().String("index-dir", "", "index directory (overrides config)")
}

// openEnv opens the primary store and an index manager over the
// configured directories. The caller closes both.
func openEnv() (*store.PebbleStore, *index.Manager, error) {
	s, err := store.OpenPebble(cfg.StoreDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	m, err := index.NewManager(s, cfg.IndexDir)
	if err != nil {
		s.Close()
		return nil, nil, err
	}
	if err := m.OpenAll(); err != nil {
		m.Close()
		s.Close()
		return nil, nil, err
	}
	return s, m, nil
}

func indexOptions(indexType string, include []string, caseSensitive bool, locale string) index.Options {
	return index.Options{
		Type:           indexType,
		Include:        include,
		CaseSensitive:  caseSensitive,
		Locale:         locale,
		FillFactor:     cfg.Build.FillFactor,
		BuildBatchSize: cfg.Build.BatchSize,
	}
}
