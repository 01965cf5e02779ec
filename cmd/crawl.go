package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/bucket-folder-stats/internal/report"
)

// newCrawlCmd creates the 'crawl' subcommand. It resumes the latest crawl
// generation unless --fresh is given.
func newCrawlCmd(c *cli) *cobra.Command {
	var fresh, listen bool
	cmd := &cobra.Command{
		Use:   "crawl [bucket/prefix]",
		Short: "Crawl a bucket prefix and print per-folder statistics",
		Long: `Lists every folder under the target prefix, stores object metadata and
prints the aggregated statistics once all folders are processed. The target
argument overrides the configured one. Interrupt with Ctrl-C; running the
command again continues from the unprocessed folders.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arg := ""
			if len(args) == 1 {
				arg = args[0]
			}
			target, err := c.cfg.TargetSpec(arg)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if listen || c.cfg.Server.Enabled {
				srvCtx, stop := context.WithCancel(ctx)
				served := make(chan struct{})
				go func() {
					defer close(served)
					if err := c.app.Serve(srvCtx); err != nil {
						c.logger.Error("status server failed", zap.Error(err))
					}
				}()
				defer func() {
					stop()
					<-served
				}()
			}

			res, err := c.app.Crawl(ctx, target, fresh)
			if err != nil {
				return fmt.Errorf("crawl %s: %w", target, err)
			}
			out := cmd.OutOrStdout()
			if res.Cancelled {
				fmt.Fprintf(out, "crawl of %s stopped after %d folders; run again to resume generation %s\n",
					target, res.FoldersProcessed, res.Generation)
				return nil
			}
			fmt.Fprintf(out, "crawl of %s complete: generation %s, %d folders, %d records, %s in %s\n",
				target, res.Generation, res.FoldersProcessed, res.Records, report.HumanBytes(res.Bytes), res.Duration.Round(time.Millisecond))
			if len(res.FoldersFailed) > 0 {
				fmt.Fprintf(out, "folders left unprocessed: %s\n", strings.Join(res.FoldersFailed, ", "))
			}
			return report.WriteTable(out, res.Stats)
		},
	}
	cmd.Flags().BoolVar(&fresh, "fresh", false, "start a new crawl generation instead of resuming")
	cmd.Flags().BoolVar(&listen, "listen", false, "serve the status API while crawling")
	return cmd
}
