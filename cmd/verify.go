package cmd

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/storewatch/internal/crawler"
	"github.com/JakeFAU/storewatch/internal/verify"
)

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify pending listings until none remain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := appInstance.ProcessPending(cmd.Context())
			if err != nil {
				return fmt.Errorf("process pending: %w", err)
			}
			return printBatch(cmd, res)
		},
	}
}

func newRetryErrorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry-errors",
		Short: "Re-verify listings whose last verification errored",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := appInstance.RetryErrors(cmd.Context())
			if err != nil {
				return fmt.Errorf("retry errored: %w", err)
			}
			return printBatch(cmd, res)
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print listing counts per verification status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			counts, err := appInstance.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("verification stats: %w", err)
			}
			statuses := make([]crawler.VerificationStatus, 0, len(counts))
			for status := range counts {
				statuses = append(statuses, status)
			}
			sort.Slice(statuses, func(i, j int) bool { return statuses[i] < statuses[j] })
			total := 0
			for _, status := range statuses {
				total += counts[status]
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", status, counts[status])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "TOTAL\t%d\n", total)
			return nil
		},
	}
}

func printBatch(cmd *cobra.Command, res verify.BatchResult) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}
