package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL    string
	apiToken     string
	outputFormat string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "rcc",
	Short: "Ranch Compute Credits CLI - manage credits and tasks",
	Long: `Ranch Compute Credits is the billing backbone for a pay-per-task
compute service.

This CLI tool allows you to:
- Check wallet balances and ledger history
- Create and inspect compute tasks
- Register accounts and manage API keys
- Apply manual credit adjustments (admin)`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", getEnvOrDefault("RCC_LEDGER_URL", "http://localhost:8080"), "Credit ledger server URL")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("RCC_LEDGER_TOKEN"), "API token (account_id.api_key)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
