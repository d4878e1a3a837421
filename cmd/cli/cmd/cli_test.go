package cmd

// CLI Test Suite - Global State Management
//
// The CLI package uses package-level variables for cobra flags, which
// creates shared mutable state between tests.
//
// 1. Global State Protection:
//    - testMu ensures only one test modifies global state at a time
//    - setupTestWithCleanup() must be called at the start of tests that
//      modify state; it saves state and restores it via t.Cleanup()
//
// 2. Cleanup Order (LIFO via t.Cleanup):
//    a. Close mock HTTP server (if any)
//    b. Restore saved global state
//    c. Release mutex
//
// 3. Tests that modify global state cannot use t.Parallel().

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
)

// testMu protects global state during tests that cannot run in parallel.
var testMu sync.Mutex

// globalStateSnapshot holds a snapshot of all global state variables.
type globalStateSnapshot struct {
	serverURL    string
	apiToken     string
	outputFormat string

	// wallet flags
	historyLimit  int
	historyOffset int

	// task flags
	tasksStatus      string
	tasksKind        string
	tasksAccountID   string
	tasksLimit       int
	createKind       string
	createMetadata   string
	createBypass     bool
	statusOutputRef  string
	statusDurationMS int64

	// admin flags
	adjustNote string

	// account flags
	promoteDBPath string
	promoteDemote bool

	envURL   string
	envToken string
}

func saveGlobalState() globalStateSnapshot {
	return globalStateSnapshot{
		serverURL:        serverURL,
		apiToken:         apiToken,
		outputFormat:     outputFormat,
		historyLimit:     historyLimit,
		historyOffset:    historyOffset,
		tasksStatus:      tasksStatus,
		tasksKind:        tasksKind,
		tasksAccountID:   tasksAccountID,
		tasksLimit:       tasksLimit,
		createKind:       createKind,
		createMetadata:   createMetadata,
		createBypass:     createBypass,
		statusOutputRef:  statusOutputRef,
		statusDurationMS: statusDurationMS,
		adjustNote:       adjustNote,
		promoteDBPath:    promoteDBPath,
		promoteDemote:    promoteDemote,
		envURL:           os.Getenv("RCC_LEDGER_URL"),
		envToken:         os.Getenv("RCC_LEDGER_TOKEN"),
	}
}

func restoreGlobalState(saved globalStateSnapshot) {
	serverURL = saved.serverURL
	apiToken = saved.apiToken
	outputFormat = saved.outputFormat
	historyLimit = saved.historyLimit
	historyOffset = saved.historyOffset
	tasksStatus = saved.tasksStatus
	tasksKind = saved.tasksKind
	tasksAccountID = saved.tasksAccountID
	tasksLimit = saved.tasksLimit
	createKind = saved.createKind
	createMetadata = saved.createMetadata
	createBypass = saved.createBypass
	statusOutputRef = saved.statusOutputRef
	statusDurationMS = saved.statusDurationMS
	adjustNote = saved.adjustNote
	promoteDBPath = saved.promoteDBPath
	promoteDemote = saved.promoteDemote

	os.Setenv("RCC_LEDGER_URL", saved.envURL)
	os.Setenv("RCC_LEDGER_TOKEN", saved.envToken)
}

func resetGlobalStateToDefaults() {
	serverURL = "http://localhost:8080"
	apiToken = "acct-1.rcc_testkey"
	outputFormat = "table"
	historyLimit = 0
	historyOffset = 0
	tasksStatus = ""
	tasksKind = ""
	tasksAccountID = ""
	tasksLimit = 0
	createKind = ""
	createMetadata = ""
	createBypass = false
	statusOutputRef = ""
	statusDurationMS = 0
	adjustNote = ""
	promoteDBPath = ""
	promoteDemote = false
}

func setupTestWithCleanup(t *testing.T) {
	t.Helper()

	testMu.Lock()
	saved := saveGlobalState()
	resetGlobalStateToDefaults()

	t.Cleanup(func() {
		restoreGlobalState(saved)
		testMu.Unlock()
	})
}

// setupMockServer sets up a mock HTTP server and points serverURL at it.
// Must be called after setupTestWithCleanup.
func setupMockServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		server.Close()
	})
	serverURL = server.URL
	return server
}

// captureOutput captures stdout during function execution
func captureOutput(f func()) string {
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	f()

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}

// Sample mock data
var mockTask = map[string]interface{}{
	"id":         "task-123",
	"account_id": "acct-1",
	"kind":       "VIDEO",
	"cost":       5,
	"status":     "created",
	"created_at": "2026-01-30T10:00:00Z",
}

var mockEntry = map[string]interface{}{
	"id":         "entry-1",
	"account_id": "acct-1",
	"delta":      -5,
	"reason":     "TASK_RESERVE",
	"task_id":    "task-123",
	"created_at": "2026-01-30T10:00:00Z",
}

func TestWalletBalanceCommand(t *testing.T) {
	setupTestWithCleanup(t)
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/wallet/balance" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer acct-1.rcc_testkey" {
			t.Errorf("unexpected auth header: %s", got)
		}

		response := map[string]interface{}{
			"account_id": "acct-1",
			"balance":    42,
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	})

	output := captureOutput(func() {
		err := runWalletBalance(nil, nil)
		if err != nil {
			t.Errorf("runWalletBalance returned error: %v", err)
		}
	})

	if !strings.Contains(output, "acct-1") {
		t.Errorf("expected output to contain account ID, got: %s", output)
	}
	if !strings.Contains(output, "42 credits") {
		t.Errorf("expected output to contain balance, got: %s", output)
	}
}

func TestWalletBalanceCommand_JSON(t *testing.T) {
	setupTestWithCleanup(t)
	outputFormat = "json"
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"account_id": "acct-1",
			"balance":    7,
		})
	})

	output := captureOutput(func() {
		err := runWalletBalance(nil, nil)
		if err != nil {
			t.Errorf("runWalletBalance returned error: %v", err)
		}
	})

	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(output), &parsed); err != nil {
		t.Fatalf("expected valid JSON output, got: %s", output)
	}
	if parsed["balance"].(float64) != 7 {
		t.Errorf("expected balance 7, got: %v", parsed["balance"])
	}
}

func TestWalletHistoryCommand(t *testing.T) {
	setupTestWithCleanup(t)
	historyLimit = 10
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/wallet/history" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("limit"); got != "10" {
			t.Errorf("expected limit=10, got: %s", got)
		}

		response := map[string]interface{}{
			"entries": []interface{}{mockEntry},
			"count":   1,
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	})

	output := captureOutput(func() {
		err := runWalletHistory(nil, nil)
		if err != nil {
			t.Errorf("runWalletHistory returned error: %v", err)
		}
	})

	if !strings.Contains(output, "TASK_RESERVE") {
		t.Errorf("expected output to contain reason, got: %s", output)
	}
	if !strings.Contains(output, "-5") {
		t.Errorf("expected output to contain delta, got: %s", output)
	}
	if !strings.Contains(output, "Total: 1 entries") {
		t.Errorf("expected output to contain count, got: %s", output)
	}
}

func TestWalletHistoryCommand_Empty(t *testing.T) {
	setupTestWithCleanup(t)
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"entries": []interface{}{},
			"count":   0,
		})
	})

	output := captureOutput(func() {
		err := runWalletHistory(nil, nil)
		if err != nil {
			t.Errorf("runWalletHistory returned error: %v", err)
		}
	})

	if !strings.Contains(output, "No ledger entries found.") {
		t.Errorf("expected empty message, got: %s", output)
	}
}

func TestTasksListCommand_WithFilters(t *testing.T) {
	setupTestWithCleanup(t)
	tasksStatus = "running"
	tasksKind = "VIDEO"
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("status"); got != "running" {
			t.Errorf("expected status=running, got: %s", got)
		}
		if got := r.URL.Query().Get("kind"); got != "VIDEO" {
			t.Errorf("expected kind=VIDEO, got: %s", got)
		}

		response := map[string]interface{}{
			"tasks": []interface{}{mockTask},
			"count": 1,
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	})

	output := captureOutput(func() {
		err := runTasksList(nil, nil)
		if err != nil {
			t.Errorf("runTasksList returned error: %v", err)
		}
	})

	if !strings.Contains(output, "task-123") {
		t.Errorf("expected output to contain task ID, got: %s", output)
	}
	if !strings.Contains(output, "Total: 1 tasks") {
		t.Errorf("expected output to contain count, got: %s", output)
	}
}

func TestTasksGetCommand_NotFound(t *testing.T) {
	setupTestWithCleanup(t)
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "task not found"})
	})

	err := runTasksGet(nil, []string{"task-missing"})
	if err == nil {
		t.Fatal("expected error for missing task")
	}
	if !strings.Contains(err.Error(), "task not found") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestTasksCreateCommand(t *testing.T) {
	setupTestWithCleanup(t)
	createKind = "VIDEO"
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}

		var req map[string]interface{}
		json.NewDecoder(r.Body).Decode(&req)
		if req["kind"] != "VIDEO" {
			t.Errorf("expected kind VIDEO, got: %v", req["kind"])
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(mockTask)
	})

	output := captureOutput(func() {
		err := runTasksCreate(nil, nil)
		if err != nil {
			t.Errorf("runTasksCreate returned error: %v", err)
		}
	})

	if !strings.Contains(output, "task-123") {
		t.Errorf("expected output to contain task ID, got: %s", output)
	}
	if !strings.Contains(output, "5 credits reserved") {
		t.Errorf("expected output to mention reserved credits, got: %s", output)
	}
}

func TestTasksCreateCommand_InsufficientBalance(t *testing.T) {
	setupTestWithCleanup(t)
	createKind = "VIDEO"
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]string{"error": "insufficient balance"})
	})

	err := runTasksCreate(nil, nil)
	if err == nil {
		t.Fatal("expected error for insufficient balance")
	}
	if !strings.Contains(err.Error(), "insufficient balance") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestTasksStatusCommand(t *testing.T) {
	setupTestWithCleanup(t)
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks/task-123/status" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}

		var req map[string]interface{}
		json.NewDecoder(r.Body).Decode(&req)
		if req["status"] != "failed" {
			t.Errorf("expected status failed, got: %v", req["status"])
		}

		failed := map[string]interface{}{}
		for k, v := range mockTask {
			failed[k] = v
		}
		failed["status"] = "failed"

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(failed)
	})

	output := captureOutput(func() {
		err := runTasksStatus(nil, []string{"task-123", "failed"})
		if err != nil {
			t.Errorf("runTasksStatus returned error: %v", err)
		}
	})

	if !strings.Contains(output, "now failed") {
		t.Errorf("expected output to report new status, got: %s", output)
	}
	if !strings.Contains(output, "Refunded 5 credits") {
		t.Errorf("expected refund notice, got: %s", output)
	}
}

func TestTasksStatusCommand_Conflict(t *testing.T) {
	setupTestWithCleanup(t)
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid transition"})
	})

	err := runTasksStatus(nil, []string{"task-123", "succeeded"})
	if err == nil {
		t.Fatal("expected error for invalid transition")
	}
	if !strings.Contains(err.Error(), "cannot transition") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAccountsRegisterCommand(t *testing.T) {
	setupTestWithCleanup(t)
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/accounts" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}

		response := map[string]interface{}{
			"account": map[string]interface{}{
				"id":         "acct-new",
				"email":      "new@example.com",
				"is_admin":   false,
				"created_at": "2026-01-30T10:00:00Z",
			},
			"api_key": "rcc_secretkey",
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(response)
	})

	output := captureOutput(func() {
		err := runAccountsRegister(nil, []string{"new@example.com"})
		if err != nil {
			t.Errorf("runAccountsRegister returned error: %v", err)
		}
	})

	if !strings.Contains(output, "rcc_secretkey") {
		t.Errorf("expected output to contain API key, got: %s", output)
	}
	if !strings.Contains(output, "acct-new.rcc_secretkey") {
		t.Errorf("expected output to contain full token, got: %s", output)
	}
}

func TestAdjustCommand(t *testing.T) {
	setupTestWithCleanup(t)
	adjustNote = "support credit"
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/admin/adjust" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}

		var req map[string]interface{}
		json.NewDecoder(r.Body).Decode(&req)
		if req["delta"].(float64) != -3 {
			t.Errorf("expected delta -3, got: %v", req["delta"])
		}
		if req["note"] != "support credit" {
			t.Errorf("expected note, got: %v", req["note"])
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":         "entry-adj",
			"account_id": "acct-1",
			"delta":      -3,
			"reason":     "MANUAL_ADJUST",
			"created_at": "2026-01-30T10:00:00Z",
		})
	})

	output := captureOutput(func() {
		err := runAdjust(nil, []string{"acct-1", "-3"})
		if err != nil {
			t.Errorf("runAdjust returned error: %v", err)
		}
	})

	if !strings.Contains(output, "-3 credits") {
		t.Errorf("expected output to contain delta, got: %s", output)
	}
}

func TestAdjustCommand_Forbidden(t *testing.T) {
	setupTestWithCleanup(t)
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{"error": "admin privileges required"})
	})

	err := runAdjust(nil, []string{"acct-1", "10"})
	if err == nil {
		t.Fatal("expected error for non-admin token")
	}
	if !strings.Contains(err.Error(), "administrator") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestStatsCommand(t *testing.T) {
	setupTestWithCleanup(t)
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/admin/stats" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}

		response := map[string]interface{}{
			"outstanding_credits": 120,
			"accounts":            4,
			"ledger_by_reason": []interface{}{
				map[string]interface{}{"reason": "TOPUP_GRANT", "total": 150, "count": 3},
				map[string]interface{}{"reason": "TASK_RESERVE", "total": -30, "count": 12},
			},
			"tasks_by_status": []interface{}{
				map[string]interface{}{"status": "succeeded", "count": 10},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	})

	output := captureOutput(func() {
		err := runStats(nil, nil)
		if err != nil {
			t.Errorf("runStats returned error: %v", err)
		}
	})

	if !strings.Contains(output, "Outstanding Credits:  120") {
		t.Errorf("expected outstanding credits, got: %s", output)
	}
	if !strings.Contains(output, "TOPUP_GRANT") {
		t.Errorf("expected reason breakdown, got: %s", output)
	}
	if !strings.Contains(output, "succeeded") {
		t.Errorf("expected task status breakdown, got: %s", output)
	}
}
