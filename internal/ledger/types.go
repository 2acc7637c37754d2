package ledger

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// TransactionType represents why a balance changed
type TransactionType string

const (
	TransactionPurchase TransactionType = "purchase"
	TransactionSpend    TransactionType = "spend"
	TransactionBonus    TransactionType = "bonus"
	TransactionRefund   TransactionType = "refund"
)

// Valid reports whether t is a known transaction type
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionPurchase, TransactionSpend, TransactionBonus, TransactionRefund:
		return true
	default:
		return false
	}
}

// IsCredit reports whether t increases the balance
func (t TransactionType) IsCredit() bool {
	return t == TransactionPurchase || t == TransactionBonus || t == TransactionRefund
}

// Account is a user's token balance and lifetime counters
type Account struct {
	UserID            string    `json:"user_id" db:"user_id"`
	Balance           int64     `json:"balance" db:"balance"`
	LifetimeEarned    int64     `json:"lifetime_earned" db:"lifetime_earned"`
	LifetimePurchased int64     `json:"lifetime_purchased" db:"lifetime_purchased"`
	LifetimeSpent     int64     `json:"lifetime_spent" db:"lifetime_spent"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// Transaction is an immutable ledger entry. Amount is negative for spends.
type Transaction struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	Amount        int64           `json:"amount" db:"amount"`
	Type          TransactionType `json:"type" db:"type"`
	BalanceBefore int64           `json:"balance_before" db:"balance_before"`
	BalanceAfter  int64           `json:"balance_after" db:"balance_after"`
	Description   string          `json:"description" db:"description"`
	Metadata      Metadata        `json:"metadata,omitempty" db:"metadata"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Entry describes the transaction a store mutation appends. The store
// fills in the amount and the balances it observed.
type Entry struct {
	ID          string
	Type        TransactionType
	Description string
	Metadata    Metadata
	CreatedAt   time.Time
}

// FeatureCost is the price of one invocation of a feature
type FeatureCost struct {
	FeatureKey string `json:"feature_key" db:"feature_key"`
	CostTokens int64  `json:"cost_tokens" db:"cost_tokens"`
	IsActive   bool   `json:"is_active" db:"is_active"`
}

// Affordability is the result of an admission check
type Affordability struct {
	CanAfford   bool  `json:"can_afford"`
	Balance     int64 `json:"balance"`
	Required    int64 `json:"required"`
	IsUnlimited bool  `json:"is_unlimited"`
}

// DeductResult describes a settled spend
type DeductResult struct {
	NewBalance    int64  `json:"new_balance"`
	TransactionID string `json:"transaction_id"`
	IsUnlimited   bool   `json:"is_unlimited"`
	Cost          int64  `json:"cost"`
}

// Reconciliation compares the stored balance with a replay of the log
type Reconciliation struct {
	UserID           string `json:"user_id"`
	Balance          int64  `json:"balance"`
	Replayed         int64  `json:"replayed"`
	TransactionCount int    `json:"transaction_count"`
	Consistent       bool   `json:"consistent"`
	// FirstBrokenLink is the first transaction whose BalanceBefore does not
	// match the running total, if any.
	FirstBrokenLink string `json:"first_broken_link,omitempty"`
}

// Metadata is free-form transaction context, stored as JSONB
type Metadata map[string]string

// Value implements driver.Valuer
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner
func (m *Metadata) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into Metadata", src)
	}

	if len(data) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(data, m)
}

func copyMetadata(m map[string]string) Metadata {
	if len(m) == 0 {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
