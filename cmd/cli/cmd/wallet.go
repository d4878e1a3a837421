package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	historyLimit  int
	historyOffset int
)

var walletCmd = &cobra.Command{
	Use:   "wallet",
	Short: "Check balances and ledger history",
	Long:  `Check credit balances, ledger history, and payment records.`,
}

var walletBalanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show the current credit balance",
	RunE:  runWalletBalance,
}

var walletHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show ledger entries, oldest first",
	RunE:  runWalletHistory,
}

var walletPaymentsCmd = &cobra.Command{
	Use:   "payments",
	Short: "Show recorded payment events",
	RunE:  runWalletPayments,
}

func init() {
	rootCmd.AddCommand(walletCmd)
	walletCmd.AddCommand(walletBalanceCmd)
	walletCmd.AddCommand(walletHistoryCmd)
	walletCmd.AddCommand(walletPaymentsCmd)

	walletHistoryCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Maximum entries to return")
	walletHistoryCmd.Flags().IntVar(&historyOffset, "offset", 0, "Entries to skip")
}

func runWalletBalance(cmd *cobra.Command, args []string) error {
	resp, err := apiRequest("GET", "/api/v1/wallet/balance", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return serverError(resp)
	}

	var result struct {
		AccountID string `json:"account_id"`
		Balance   int64  `json:"balance"`
	}
	if err := decodeResponse(resp, &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	fmt.Printf("Account:  %s\n", result.AccountID)
	fmt.Printf("Balance:  %d credits\n", result.Balance)
	return nil
}

func runWalletHistory(cmd *cobra.Command, args []string) error {
	params := url.Values{}
	if historyLimit > 0 {
		params.Set("limit", fmt.Sprintf("%d", historyLimit))
	}
	if historyOffset > 0 {
		params.Set("offset", fmt.Sprintf("%d", historyOffset))
	}

	path := "/api/v1/wallet/history"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	resp, err := apiRequest("GET", path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return serverError(resp)
	}

	var result struct {
		Entries []LedgerEntry `json:"entries"`
		Count   int           `json:"count"`
	}
	if err := decodeResponse(resp, &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	if len(result.Entries) == 0 {
		fmt.Println("No ledger entries found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CREATED\tDELTA\tREASON\tTASK\tREF")
	fmt.Fprintln(w, "-------\t-----\t------\t----\t---")
	for _, entry := range result.Entries {
		fmt.Fprintf(w, "%s\t%+d\t%s\t%s\t%s\n",
			entry.CreatedAt,
			entry.Delta,
			entry.Reason,
			entry.TaskID,
			entry.ExternalRef,
		)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d entries\n", result.Count)
	return nil
}

func runWalletPayments(cmd *cobra.Command, args []string) error {
	resp, err := apiRequest("GET", "/api/v1/wallet/payments", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return serverError(resp)
	}

	var result struct {
		Payments []Payment `json:"payments"`
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

	if len(result.Payments) == 0 {
		fmt.Println("No payments found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CREATED\tTYPE\tCREDITS\tAMOUNT\tEVENT")
	fmt.Fprintln(w, "-------\t----\t-------\t------\t-----")
	for _, p := range result.Payments {
		fmt.Fprintf(w, "%s\t%s\t%d\t$%.2f %s\t%s\n",
			p.CreatedAt,
			p.GrantType,
			p.Credits,
			float64(p.AmountCents)/100,
			p.Currency,
			p.ExternalRef,
		)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d payments\n", result.Count)
	return nil
}
