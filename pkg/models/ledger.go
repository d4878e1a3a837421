package models

import "time"

// Reason classifies a ledger entry. The set is closed: storage rejects
// anything outside it.
type Reason string

const (
	ReasonTaskReserve       Reason = "TASK_RESERVE"       // Debit at task creation
	ReasonTaskRelease       Reason = "TASK_RELEASE"       // Refund on task failure
	ReasonSubscriptionGrant Reason = "SUBSCRIPTION_GRANT" // Monthly subscription credit
	ReasonTopupGrant        Reason = "TOPUP_GRANT"        // On-demand top-up purchase
	ReasonManualAdjust      Reason = "MANUAL_ADJUST"      // Admin correction, either sign
	ReasonAdminBypass       Reason = "ADMIN_BYPASS"       // Zero-delta audit marker
)

// Valid reports whether the reason is a known reason code
func (r Reason) Valid() bool {
	switch r {
	case ReasonTaskReserve, ReasonTaskRelease, ReasonSubscriptionGrant,
		ReasonTopupGrant, ReasonManualAdjust, ReasonAdminBypass:
		return true
	}
	return false
}

// LedgerEntry is one immutable fact in the credit ledger. Entries are only
// ever appended; an account's balance is the sum of its deltas.
type LedgerEntry struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Delta     int64     `json:"delta"`
	Reason    Reason    `json:"reason"`
	TaskID    string    `json:"task_id,omitempty"`
	// ExternalRef deduplicates payment-derived entries: when non-empty it is
	// unique across the whole ledger.
	ExternalRef string    `json:"external_ref,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// GrantKind distinguishes the two payment-derived grant flavors
type GrantKind string

const (
	GrantSubscription GrantKind = "subscription"
	GrantTopup        GrantKind = "topup"
)

// Valid reports whether the grant kind is known
func (g GrantKind) Valid() bool {
	return g == GrantSubscription || g == GrantTopup
}

// Reason returns the ledger reason code for this grant kind
func (g GrantKind) Reason() Reason {
	if g == GrantSubscription {
		return ReasonSubscriptionGrant
	}
	return ReasonTopupGrant
}

// PaymentEvent is a payment-provider notification. Delivery is
// at-least-once and may be out of order; EventID is the provider-unique
// identifier used as the dedup key.
type PaymentEvent struct {
	EventID   string    `json:"event_id"`
	AccountID string    `json:"account_id"`
	GrantType GrantKind `json:"grant_type"`
	Credits   int64     `json:"credits"`

	// Optional audit fields carried through from the provider
	AmountCents int64  `json:"amount_cents,omitempty"`
	Currency    string `json:"currency,omitempty"`
}

// Payment is the audit record written alongside a payment-derived grant.
// It is never read to compute balance.
type Payment struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"account_id"`
	GrantType   GrantKind `json:"grant_type"`
	Credits     int64     `json:"credits"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	ExternalRef string    `json:"external_ref"`
	CreatedAt   time.Time `json:"created_at"`
}
