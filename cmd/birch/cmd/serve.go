package cmd

import (
	"github.com/spf13/cobra"

	"github.com/birchdb/birch/pkg/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the admin/query HTTP API",
	Long: `Serve index listing, ad-hoc queries, health and prometheus metrics
over HTTP. Indexes stay current while the server runs: record writes
through the store fire change events into every index.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, m, err := openEnv()
		if err != nil {
			return err
		}
		defer s.Close()
		defer m.Close()

		return api.StartServer(m, api.ServerConfig{Bind: cfg.Bind, Port: cfg.Port})
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
