package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/birchdb/birch/pkg/index"
)

var infoCmd = &cobra.Command{
	Use:   "info [file]",
	Short: "Show index envelopes",
	Long: `Without arguments, list every index in the index directory. With a
file name, dump that index's envelope: identity, tree descriptor,
entry and value counts.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return printInfo(filepath.Join(cfg.IndexDir, args[0]))
		}
		matches, err := filepath.Glob(filepath.Join(cfg.IndexDir, "*.idx"))
		if err != nil {
			return err
		}
		for _, path := range matches {
			if err := printInfo(path); err != nil {
				fmt.Printf("%s: %v\n", filepath.Base(path), err)
			}
		}
		return nil
	},
}

func printInfo(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	h, err := index.ReadHeader(f)
	if err != nil {
		return err
	}
	fi, err := f.Stat()
	if err != nil {
		return err
	}

	fmt.Printf("%s\n", filepath.Base(path))
	fmt.Printf("  type:    %s\n", h.Info.Type)
	fmt.Printf("  path:    %s\n", h.Info.Path)
	fmt.Printf("  key:     %s\n", h.Info.Key)
	if len(h.Info.Include) > 0 {
		fmt.Printf("  include: %v\n", h.Info.Include)
	}
	fmt.Printf("  locale:  %s (case-sensitive: %v)\n", h.Info.Locale, h.Info.CaseSensitive)
	for _, tr := range h.Trees {
		info, cfg := tr.TreeInfo()
		reserved := fi.Size() - int64(h.Length) - info.ByteLength
		fmt.Printf("  tree %q: %d entries, %d values, %d tree bytes, %d reserved, fill %d%%\n",
			tr.Name, info.Entries, info.Values, info.ByteLength, reserved, cfg.FillFactor)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
