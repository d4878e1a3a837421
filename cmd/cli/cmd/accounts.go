package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ranch-cloud/rcc-ledger/internal/storage"
)

var (
	promoteDBPath string
	promoteDemote bool
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Register and manage accounts",
	Long:  `Register accounts and manage administrator privileges.`,
}

var accountsRegisterCmd = &cobra.Command{
	Use:   "register [email]",
	Short: "Register a new account",
	Long: `Register a new account. The API key is printed exactly once;
store it somewhere safe.`,
	Args: cobra.ExactArgs(1),
	RunE: runAccountsRegister,
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts (admin only)",
	RunE:  runAccountsList,
}

var accountsPromoteCmd = &cobra.Command{
	Use:   "promote [account-id]",
	Short: "Grant administrator privileges to an account",
	Long: `Grant administrator privileges to an account. Promotion writes
directly to the database and requires access to the database file,
not an API token.`,
	Args: cobra.ExactArgs(1),
	RunE: runAccountsPromote,
}

func init() {
	rootCmd.AddCommand(accountsCmd)
	accountsCmd.AddCommand(accountsRegisterCmd)
	accountsCmd.AddCommand(accountsListCmd)
	accountsCmd.AddCommand(accountsPromoteCmd)

	accountsPromoteCmd.Flags().StringVar(&promoteDBPath, "db", getEnvOrDefault("RCC_LEDGER_DB", "./data/rcc-ledger.db"), "Path to the ledger database")
	accountsPromoteCmd.Flags().BoolVar(&promoteDemote, "demote", false, "Revoke administrator privileges instead")
}

func runAccountsRegister(cmd *cobra.Command, args []string) error {
	reqBody := map[string]interface{}{
		"email": args[0],
	}

	resp, err := apiRequest("POST", "/api/v1/accounts", reqBody)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return fmt.Errorf("email already registered: %s", args[0])
	}
	if resp.StatusCode != http.StatusCreated {
		return serverError(resp)
	}

	var result RegisterResponse
	if err := decodeResponse(resp, &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	fmt.Printf("Account ID:  %s\n", result.Account.ID)
	fmt.Printf("Email:       %s\n", result.Account.Email)
	fmt.Printf("API Key:     %s\n", result.APIKey)
	fmt.Println()
	fmt.Println("Store the API key now; it will not be shown again.")
	fmt.Printf("Token for --token / RCC_LEDGER_TOKEN: %s.%s\n", result.Account.ID, result.APIKey)
	return nil
}

func runAccountsList(cmd *cobra.Command, args []string) error {
	resp, err := apiRequest("GET", "/api/v1/admin/accounts", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return serverError(resp)
	}

	var result struct {
		Accounts []Account `json:"accounts"`
		Count    int       `json:"count"`
	}
	if err := decodeResponse(resp, &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	if len(result.Accounts) == 0 {
		fmt.Println("No accounts found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEMAIL\tADMIN\tCREATED")
	fmt.Fprintln(w, "--\t-----\t-----\t-------")
	for _, account := range result.Accounts {
		admin := ""
		if account.IsAdmin {
			admin = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", account.ID, account.Email, admin, account.CreatedAt)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d accounts\n", result.Count)
	return nil
}

func runAccountsPromote(cmd *cobra.Command, args []string) error {
	accountID := args[0]

	db, err := storage.New(promoteDBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	ctx := context.Background()
	store := storage.NewAccountStore(db)

	account, err := store.Get(ctx, accountID)
	if err != nil {
		return fmt.Errorf("account not found: %s", accountID)
	}

	if err := store.SetAdmin(ctx, accountID, !promoteDemote); err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}

	if promoteDemote {
		fmt.Printf("Account %s (%s) is no longer an administrator.\n", accountID, account.Email)
	} else {
		fmt.Printf("Account %s (%s) is now an administrator.\n", accountID, account.Email)
	}
	return nil
}
