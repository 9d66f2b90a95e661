package cmd

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

var queryCmd = &cobra.Command{
	Use:   "query <path> <key> <op> <value>",
	Short: "Run an ad-hoc query against an index",
	Long: `Query an existing index. The value is parsed as JSON, so strings
need quoting and geo queries take an object:

  birch query songs year ">=" 2005
  birch query messages text fulltext:contains '"hello world"'
  birch query landmarks location geo:nearby '{"lat":52.3,"long":4.9,"radius":500}'`,
	Args: cobra.ExactArgs(4),
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
		var value any
		if err := json.Unmarshal([]byte(args[3]), &value); err != nil {
			// Bare words read as strings.
			value = args[3]
		}
		results, err := idx.Query(cmd.Context(), args[2], value, nil)
		if err != nil {
			return err
		}
		for _, r := range results {
			line := map[string]any{"path": r.Path, "value": r.Value}
			if len(r.Metadata) > 0 {
				line["metadata"] = r.Metadata
			}
			out, _ := json.Marshal(line)
			fmt.Println(string(out))
		}
		fmt.Printf("%d result(s)\n", len(results))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(queryCmd)
}
