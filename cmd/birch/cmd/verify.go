package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/birchdb/birch/pkg/index"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <file>",
	Short: "Verify an index file against its header",
	Long: `Walk the index tree in key order and compare what the leaves hold
with the entry and value counts recorded in the envelope. A failing
index can be rebuilt from the primary store with "birch rebuild".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, m, err := openEnv()
		if err != nil {
			return err
		}
		defer s.Close()
		defer m.Close()

		idx, err := index.OpenIndex(s, cfg.IndexDir, filepath.Base(args[0]))
		if err != nil {
			return err
		}
		defer idx.Close()

		entries, values, err := idx.Verify(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("%s: ok (%d entries, %d values)\n", filepath.Base(args[0]), entries, values)
		return nil
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild <path> <key>",
	Short: "Rebuild an index from the primary store",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, m, err := openEnv()
		if err != nil {
			return err
		}
		defer s.Close()
		defer m.Close()

		idx := m.Find(args[0], args[1])
		if idx == nil {
			return fmt.Errorf("no index on %s/%s", args[0], args[1])
		}
		if err := idx.Build(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("rebuilt %s\n", idx.Description())
		return nil
	},
}

var dropCmd = &cobra.Command{
	Use:   "drop <path> <key>",
	Short: "Drop an index and delete its files",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, m, err := openEnv()
		if err != nil {
			return err
		}
		defer s.Close()
		defer m.Close()
		if err := m.DropIndex(args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("dropped index on %s/%s\n", args[0], args[1])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(dropCmd)
}
