package cmd

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/segmentio/ksuid"
	"github.com/spf13/cobra"
)

var putCmd = &cobra.Command{
	Use:   "put <path> <json>",
	Short: "Write a record to the primary store",
	Long: `Write a JSON record at a path. Every index whose path covers the
record is updated in the same call.

  birch put songs/s1 '{"year": 1999, "title": "one"}'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, m, err := openEnv()
		if err != nil {
			return err
		}
		defer s.Close()
		defer m.Close()

		var value any
		if err := json.Unmarshal([]byte(args[1]), &value); err != nil {
			return fmt.Errorf("record value must be JSON: %w", err)
		}
		return s.SetValue(cmd.Context(), args[0], value)
	},
}

var getCmd = &cobra.Command{
	Use:   "get <path>",
	Short: "Read a record from the primary store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, m, err := openEnv()
		if err != nil {
			return err
		}
		defer s.Close()
		defer m.Close()

		value, err := s.GetValue(cmd.Context(), args[0], ksuid.New())
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(value, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <path>",
	Short: "Delete a record from the primary store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, m, err := openEnv()
		if err != nil {
			return err
		}
		defer s.Close()
		defer m.Close()
		return s.SetValue(cmd.Context(), args[0], nil)
	},
}

func init() {
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(deleteCmd)
}
