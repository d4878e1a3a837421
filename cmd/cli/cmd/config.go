package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and manage CLI configuration",
	Long:  `View and manage credit ledger CLI configuration.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Long: `Set a configuration value. Supported keys:
  server  - Credit ledger server URL
  token   - API token`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	fmt.Println("Credit Ledger CLI Configuration")
	fmt.Println("===============================")
	fmt.Println()
	fmt.Printf("Server URL:     %s\n", serverURL)
	fmt.Printf("Output Format:  %s\n", outputFormat)
	if apiToken != "" {
		fmt.Println("API Token:      (set)")
	} else {
		fmt.Println("API Token:      (not set)")
	}
	fmt.Println()

	fmt.Println("Environment Variables:")
	if url := os.Getenv("RCC_LEDGER_URL"); url != "" {
		fmt.Printf("  RCC_LEDGER_URL=%s\n", url)
	} else {
		fmt.Println("  RCC_LEDGER_URL (not set, using default)")
	}
	if os.Getenv("RCC_LEDGER_TOKEN") != "" {
		fmt.Println("  RCC_LEDGER_TOKEN (set)")
	} else {
		fmt.Println("  RCC_LEDGER_TOKEN (not set)")
	}

	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	value := args[1]

	switch key {
	case "server":
		fmt.Printf("To set the server URL, use the environment variable:\n")
		fmt.Printf("  export RCC_LEDGER_URL=%s\n", value)
		fmt.Println()
		fmt.Println("Or use the --server flag with each command.")
	case "token":
		fmt.Printf("To set the API token, use the environment variable:\n")
		fmt.Printf("  export RCC_LEDGER_TOKEN=%s\n", value)
		fmt.Println()
		fmt.Println("Or use the --token flag with each command.")
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}

	return nil
}
