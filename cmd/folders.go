package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newFoldersCmd(c *cli) *cobra.Command {
	var unprocessed bool
	cmd := &cobra.Command{
		Use:   "folders",
		Short: "List the folder worklist of the stored crawl",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			folders, err := c.app.Folders(cmd.Context(), unprocessed)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			for _, f := range folders {
				status := "pending"
				if f.Processed {
					status = "done"
				}
				fmt.Fprintf(tw, "%s\t%s\n", f.Path, status)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d folders\n", len(folders))
			return err
		},
	}
	cmd.Flags().BoolVar(&unprocessed, "unprocessed", false, "only list folders not yet processed")
	return cmd
}
