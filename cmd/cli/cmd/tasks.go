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
	tasksStatus    string
	tasksKind      string
	tasksAccountID string
	tasksLimit     int

	createKind     string
	createMetadata string
	createBypass   bool

	statusOutputRef  string
	statusDurationMS int64
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Create and inspect compute tasks",
	Long:  `Create compute tasks and inspect their status and ledger entries.`,
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTasksList,
}

var tasksGetCmd = &cobra.Command{
	Use:   "get [task-id]",
	Short: "Get task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksGet,
}

var tasksCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a task, reserving its credit cost",
	RunE:  runTasksCreate,
}

var tasksStatusCmd = &cobra.Command{
	Use:   "status [task-id] [running|succeeded|failed]",
	Short: "Report a task status transition",
	Args:  cobra.ExactArgs(2),
	RunE:  runTasksStatus,
}

var tasksEntriesCmd = &cobra.Command{
	Use:   "entries [task-id]",
	Short: "Show the ledger entries for a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksEntries,
}

func init() {
	rootCmd.AddCommand(tasksCmd)

	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksGetCmd)
	tasksCmd.AddCommand(tasksCreateCmd)
	tasksCmd.AddCommand(tasksStatusCmd)
	tasksCmd.AddCommand(tasksEntriesCmd)

	tasksListCmd.Flags().StringVarP(&tasksStatus, "status", "s", "", "Filter by status")
	tasksListCmd.Flags().StringVarP(&tasksKind, "kind", "k", "", "Filter by kind (IMAGE, VIDEO)")
	tasksListCmd.Flags().StringVarP(&tasksAccountID, "account", "a", "", "Filter by account ID (admin only)")
	tasksListCmd.Flags().IntVarP(&tasksLimit, "limit", "n", 0, "Maximum tasks to return")

	tasksCreateCmd.Flags().StringVarP(&createKind, "kind", "k", "", "Task kind (IMAGE, VIDEO)")
	tasksCreateCmd.Flags().StringVarP(&createMetadata, "metadata", "m", "", "Opaque task metadata")
	tasksCreateCmd.Flags().BoolVar(&createBypass, "bypass", false, "Skip billing (admin only)")
	tasksCreateCmd.MarkFlagRequired("kind")

	tasksStatusCmd.Flags().StringVar(&statusOutputRef, "output-ref", "", "Reference to the task output")
	tasksStatusCmd.Flags().Int64Var(&statusDurationMS, "duration-ms", 0, "Task runtime in milliseconds")
}

func runTasksList(cmd *cobra.Command, args []string) error {
	params := url.Values{}
	if tasksStatus != "" {
		params.Set("status", tasksStatus)
	}
	if tasksKind != "" {
		params.Set("kind", tasksKind)
	}
	if tasksAccountID != "" {
		params.Set("account_id", tasksAccountID)
	}
	if tasksLimit > 0 {
		params.Set("limit", fmt.Sprintf("%d", tasksLimit))
	}

	path := "/api/v1/tasks"
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
		Tasks []Task `json:"tasks"`
		Count int    `json:"count"`
	}
	if err := decodeResponse(resp, &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	if len(result.Tasks) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSTATUS\tCOST\tCREATED")
	fmt.Fprintln(w, "--\t----\t------\t----\t-------")
	for _, task := range result.Tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			task.ID,
			task.Kind,
			task.Status,
			task.Cost,
			task.CreatedAt,
		)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d tasks\n", result.Count)
	return nil
}

func runTasksGet(cmd *cobra.Command, args []string) error {
	taskID := args[0]

	resp, err := apiRequest("GET", "/api/v1/tasks/"+taskID, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("task not found: %s", taskID)
	}
	if resp.StatusCode != http.StatusOK {
		return serverError(resp)
	}

	var task Task
	if err := decodeResponse(resp, &task); err != nil {
		return err
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(task)
	}

	printTask(task)
	return nil
}

func runTasksCreate(cmd *cobra.Command, args []string) error {
	reqBody := map[string]interface{}{
		"kind": createKind,
	}
	if createMetadata != "" {
		reqBody["metadata"] = createMetadata
	}
	if createBypass {
		reqBody["admin_bypass"] = true
	}

	resp, err := apiRequest("POST", "/api/v1/tasks", reqBody)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusPaymentRequired {
		return fmt.Errorf("insufficient balance for a %s task", createKind)
	}
	if resp.StatusCode != http.StatusCreated {
		return serverError(resp)
	}

	var task Task
	if err := decodeResponse(resp, &task); err != nil {
		return err
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(task)
	}

	fmt.Printf("Task %s created (%s, %d credits reserved).\n", task.ID, task.Kind, task.Cost)
	return nil
}

func runTasksStatus(cmd *cobra.Command, args []string) error {
	taskID := args[0]
	newStatus := args[1]

	reqBody := map[string]interface{}{
		"status": newStatus,
	}
	if statusOutputRef != "" {
		reqBody["output_ref"] = statusOutputRef
	}
	if statusDurationMS > 0 {
		reqBody["duration_ms"] = statusDurationMS
	}

	resp, err := apiRequest("POST", "/api/v1/tasks/"+taskID+"/status", reqBody)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("task not found: %s", taskID)
	}
	if resp.StatusCode == http.StatusConflict {
		return fmt.Errorf("task %s cannot transition to %s", taskID, newStatus)
	}
	if resp.StatusCode != http.StatusOK {
		return serverError(resp)
	}

	var task Task
	if err := decodeResponse(resp, &task); err != nil {
		return err
	}

	fmt.Printf("Task %s is now %s.\n", task.ID, task.Status)
	if task.Status == "failed" && task.Cost > 0 {
		fmt.Printf("Refunded %d credits.\n", task.Cost)
	}
	return nil
}

func runTasksEntries(cmd *cobra.Command, args []string) error {
	taskID := args[0]

	resp, err := apiRequest("GET", "/api/v1/tasks/"+taskID+"/entries", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("task not found: %s", taskID)
	}
	if resp.StatusCode != http.StatusOK {
		return serverError(resp)
	}

	var result struct {
		TaskID  string        `json:"task_id"`
		Entries []LedgerEntry `json:"entries"`
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
		fmt.Println("No ledger entries for this task.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CREATED\tDELTA\tREASON")
	fmt.Fprintln(w, "-------\t-----\t------")
	for _, entry := range result.Entries {
		fmt.Fprintf(w, "%s\t%+d\t%s\n", entry.CreatedAt, entry.Delta, entry.Reason)
	}
	w.Flush()
	return nil
}

func printTask(task Task) {
	fmt.Printf("Task ID:      %s\n", task.ID)
	fmt.Printf("Account ID:   %s\n", task.AccountID)
	fmt.Printf("Kind:         %s\n", task.Kind)
	fmt.Printf("Status:       %s\n", task.Status)
	fmt.Printf("Cost:         %d credits\n", task.Cost)
	if task.AdminBypass {
		fmt.Println("Admin Bypass: yes")
	}
	fmt.Printf("Created At:   %s\n", task.CreatedAt)

	if task.StartedAt != "" {
		fmt.Printf("Started At:   %s\n", task.StartedAt)
	}
	if task.EndedAt != "" {
		fmt.Printf("Ended At:     %s\n", task.EndedAt)
	}
	if task.DurationMS > 0 {
		fmt.Printf("Duration:     %dms\n", task.DurationMS)
	}
	if task.OutputRef != "" {
		fmt.Printf("Output Ref:   %s\n", task.OutputRef)
	}
	if task.Metadata != "" {
		fmt.Printf("Metadata:     %s\n", task.Metadata)
	}
}
