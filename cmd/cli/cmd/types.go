package cmd

// CLI-side mirrors of the API payloads. Timestamps stay strings because
// the CLI receives JSON and displays them directly.

type Task struct {
	ID          string `json:"id"`
	AccountID   string `json:"account_id"`
	Kind        string `json:"kind"`
	Cost        int64  `json:"cost"`
	Status      string `json:"status"`
	AdminBypass bool   `json:"admin_bypass"`
	OutputRef   string `json:"output_ref,omitempty"`
	Metadata    string `json:"metadata,omitempty"`
	DurationMS  int64  `json:"duration_ms,omitempty"`
	CreatedAt   string `json:"created_at"`
	StartedAt   string `json:"started_at,omitempty"`
	EndedAt     string `json:"ended_at,omitempty"`
}

type LedgerEntry struct {
	ID          string `json:"id"`
	AccountID   string `json:"account_id"`
	Delta       int64  `json:"delta"`
	Reason      string `json:"reason"`
	TaskID      string `json:"task_id,omitempty"`
	ExternalRef string `json:"external_ref,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type Payment struct {
	ID          string `json:"id"`
	AccountID   string `json:"account_id"`
	GrantType   string `json:"grant_type"`
	Credits     int64  `json:"credits"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	ExternalRef string `json:"external_ref"`
	CreatedAt   string `json:"created_at"`
}

type Account struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	IsAdmin   bool   `json:"is_admin"`
	CreatedAt string `json:"created_at"`
}

// RegisterResponse is the response from account registration. The API key
// is only ever returned here.
type RegisterResponse struct {
	Account Account `json:"account"`
	APIKey  string  `json:"api_key"`
}
