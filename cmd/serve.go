package cmd

import (
	"github.com/spf13/cobra"
)

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the status API over the stored crawl until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.app.Serve(cmd.Context())
		},
	}
}
