package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var adjustNote string

var adjustCmd = &cobra.Command{
	Use:   "adjust [account-id] [delta]",
	Short: "Apply a manual credit adjustment (admin only)",
	Long: `Apply a manual credit adjustment to an account. The delta may be
positive or negative and is recorded as a MANUAL_ADJUST ledger entry.`,
	Args: cobra.ExactArgs(2),
	RunE: runAdjust,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show system-wide ledger statistics (admin only)",
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(adjustCmd)
	rootCmd.AddCommand(statsCmd)

	adjustCmd.Flags().StringVar(&adjustNote, "note", "", "Reason for the adjustment")
}

func runAdjust(cmd *cobra.Command, args []string) error {
	accountID := args[0]

	var delta int64
	if _, err := fmt.Sscanf(args[1], "%d", &delta); err != nil {
		return fmt.Errorf("invalid delta: %s", args[1])
	}

	reqBody := map[string]interface{}{
		"account_id": accountID,
		"delta":      delta,
	}
	if adjustNote != "" {
		reqBody["note"] = adjustNote
	}

	resp, err := apiRequest("POST", "/api/v1/admin/adjust", reqBody)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("adjustments require an administrator token")
	}
	if resp.StatusCode != http.StatusCreated {
		return serverError(resp)
	}

	var entry LedgerEntry
	if err := decodeResponse(resp, &entry); err != nil {
		return err
	}

	fmt.Printf("Adjusted account %s by %+d credits (entry %s).\n", accountID, entry.Delta, entry.ID)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	resp, err := apiRequest("GET", "/api/v1/admin/stats", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return serverError(resp)
	}

	var stats struct {
		OutstandingCredits int64 `json:"outstanding_credits"`
		Accounts           int   `json:"accounts"`
		LedgerByReason     []struct {
			Reason string `json:"reason"`
			Total  int64  `json:"total"`
			Count  int    `json:"count"`
		} `json:"ledger_by_reason"`
		TasksByStatus []struct {
			Status string `json:"status"`
			Count  int    `json:"count"`
		} `json:"tasks_by_status"`
		Auditor *struct {
			SweepsRun int64 `json:"sweeps_run"`
			Findings  int64 `json:"findings"`
			Errors    int64 `json:"errors"`
		} `json:"auditor,omitempty"`
	}
	if err := decodeResponse(resp, &stats); err != nil {
		return err
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(stats)
	}

	fmt.Println("Ledger Statistics")
	fmt.Println("=================")
	fmt.Println()
	fmt.Printf("Outstanding Credits:  %d\n", stats.OutstandingCredits)
	fmt.Printf("Accounts:             %d\n", stats.Accounts)

	if len(stats.LedgerByReason) > 0 {
		fmt.Println("\nLedger by Reason:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, r := range stats.LedgerByReason {
			fmt.Fprintf(w, "  %s\t%+d\t(%d entries)\n", r.Reason, r.Total, r.Count)
		}
		w.Flush()
	}

	if len(stats.TasksByStatus) > 0 {
		fmt.Println("\nTasks by Status:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, s := range stats.TasksByStatus {
			fmt.Fprintf(w, "  %s\t%d\n", s.Status, s.Count)
		}
		w.Flush()
	}

	if stats.Auditor != nil {
		fmt.Println("\nAuditor:")
		fmt.Printf("  Sweeps Run:  %d\n", stats.Auditor.SweepsRun)
		fmt.Printf("  Findings:    %d\n", stats.Auditor.Findings)
		fmt.Printf("  Errors:      %d\n", stats.Auditor.Errors)
	}

	return nil
}
