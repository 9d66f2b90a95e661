package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	createType    string
	createInclude []string
	createCS      bool
	createLocale  string
)

var createCmd = &cobra.Command{
	Use:   "create <path> <key>",
	Short: "Create and build an index",
	Long: `Create an index on a record path and key, then build it from the
primary store. The path may contain * wildcards (users/*/posts) and
the key may be the literal {key} to index child names.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, m, err := openEnv()
		if err != nil {
			return err
		}
		defer s.Close()
		defer m.Close()

		idx, err := m.CreateIndex(cmd.Context(), args[0], args[1],
			indexOptions(createType, createInclude, createCS, createLocale))
		if err != nil {
			return err
		}
		fmt.Printf("built %s (%s)\n", idx.Description(), idx.FileName())
		return nil
	},
}

func init() {
	createCmd.Flags().StringVar(&createType, "type", "normal", "index type: normal, array, fulltext, geo")
	createCmd.Flags().StringSliceVar(&createInclude, "include", nil, "record fields to co-store for filtering")
	createCmd.Flags().BoolVar(&createCS, "case-sensitive", false, "compare string keys case-sensitively")
	createCmd.Flags().StringVar(&createLocale, "locale", "en", "locale for case folding")
	rootCmd.AddCommand(createCmd)
}
