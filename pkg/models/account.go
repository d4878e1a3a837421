package models

import "time"

// Account represents a billable principal. Accounts are created at
// registration (or first OAuth login, handled upstream) and are never
// deleted.
type Account struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`

	// APIKeyHash is the bcrypt hash of the account's API key.
	// Stored but never exposed.
	APIKeyHash string `json:"-"`
}
