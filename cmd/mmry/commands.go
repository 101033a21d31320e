package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kalambet/mmry/internal/config"
)

// --- usage ---

var usageCmd = &cobra.Command{
	Use:   "usage <user-id>",
	Short: "Show storage usage and quota for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/usage/"+args[0])
		if err != nil {
			return err
		}

		var usage struct {
			UserID         string `json:"user_id"`
			TotalQuota     int64  `json:"total_quota"`
			UsedStorage    int64  `json:"used_storage"`
			MaxProjects    int    `json:"max_projects"`
			UsedProjects   int    `json:"used_projects"`
			RemainingBytes int64  `json:"remaining_bytes"`
		}
		if err := decodeJSON(resp, &usage); err != nil {
			return err
		}

		printStatus("User", "%s", usage.UserID)
		printStatus("Storage", "%s of %s (%s free)",
			formatBytes(usage.UsedStorage),
			formatBytes(usage.TotalQuota),
			formatBytes(usage.RemainingBytes),
		)
		printStatus("Projects", "%d of %d", usage.UsedProjects, usage.MaxProjects)
		return nil
	},
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

// --- audit ---

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Compare the usage ledger against stored file sizes",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/audit")
		if err != nil {
			return err
		}

		var report struct {
			Entries []struct {
				UserID      string `json:"user_id"`
				LedgerBytes int64  `json:"ledger_bytes"`
				ActualBytes int64  `json:"actual_bytes"`
				Divergent   bool   `json:"divergent"`
			} `json:"entries"`
			Divergent int `json:"divergent"`
		}
		if err := decodeJSON(resp, &report); err != nil {
			return err
		}

		if len(report.Entries) == 0 {
			fmt.Println("No users with quota records.")
			return nil
		}

		for _, e := range report.Entries {
			if e.Divergent {
				printError("%s  ledger=%d actual=%d (drift %+d)",
					e.UserID, e.LedgerBytes, e.ActualBytes, e.ActualBytes-e.LedgerBytes)
			} else {
				fmt.Printf("  %s  %s\n", colorize(colorBold, e.UserID), formatBytes(e.LedgerBytes))
			}
		}

		if report.Divergent > 0 {
			printWarning("%d of %d users diverge from the ledger", report.Divergent, len(report.Entries))
			os.Exit(1)
		}
		printSuccess("Ledger matches stored files for all %d users", len(report.Entries))
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
