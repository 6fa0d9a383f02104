package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/storewatch/internal/crawler"
)

// newCrawlCmd crawls one store, or every active store when --store is empty.
func newCrawlCmd() *cobra.Command {
	var storeID string
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl a store now",
		Long: `Crawls the given store once, diffs it against the previous snapshot and
records the crawl log. Without --store every active, due store is crawled.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if storeID == "" {
				return runCycle(cmd, appInstance)
			}
			res := appInstance.CrawlStore(cmd.Context(), storeID)
			printCrawlResult(cmd, res)
			if !res.Success && !res.Skipped {
				return fmt.Errorf("crawl %s: %w", storeID, res.Err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&storeID, "store", "", "store id to crawl")
	return cmd
}

func runCycle(cmd *cobra.Command, appInstance App) error {
	cycle, err := appInstance.RunCycle(cmd.Context())
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run crawl cycle: %w", err)
	}
	for _, res := range cycle.Results {
		printCrawlResult(cmd, res)
	}
	appInstance.Logger().Info("crawl cycle finished",
		zap.Int("succeeded", cycle.Succeeded),
		zap.Int("skipped", cycle.Skipped),
		zap.Int("failed", cycle.Failed),
	)
	if cycle.Failed > 0 {
		return fmt.Errorf("%d store crawls failed", cycle.Failed)
	}
	return nil
}

func printCrawlResult(cmd *cobra.Command, res crawler.CrawlResult) {
	out := cmd.OutOrStdout()
	switch {
	case res.Skipped:
		fmt.Fprintf(out, "%s\tskipped\t%s\n", res.StoreID, res.SkipReason)
	case res.Success:
		fmt.Fprintf(out, "%s\tok\tfound=%d new=%d updated=%d sold=%d anomaly=%t\n",
			res.StoreID, res.Found, res.New, res.Updated, res.Sold, res.Anomaly)
	default:
		fmt.Fprintf(out, "%s\tfailed\t%s\n", res.StoreID, res.Error())
	}
}
