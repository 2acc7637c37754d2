package ledger

import (
	"context"
	"errors"
)

var (
	// ErrAccountNotFound is returned by a Store when the user has no account
	ErrAccountNotFound = errors.New("token account not found")
	// ErrInsufficientTokens is returned by Store.Deduct when balance < cost
	ErrInsufficientTokens = errors.New("insufficient token balance")
)

// Store persists accounts and their transaction log. Every mutation
// changes the balance and appends its transaction atomically.
type Store interface {
	// GetAccount returns ErrAccountNotFound when absent.
	GetAccount(ctx context.Context, userID string) (*Account, error)
	// InsertAccountIfAbsent creates the account with bonus tokens and,
	// when bonus > 0, appends entry as the bonus transaction. created is
	// false when the account already existed; nothing is written then.
	InsertAccountIfAbsent(ctx context.Context, userID string, bonus int64, entry Entry) (created bool, err error)
	// Deduct subtracts cost only if balance >= cost at the instant of the
	// update, returning ErrInsufficientTokens otherwise.
	Deduct(ctx context.Context, userID string, cost int64, entry Entry) (*Transaction, error)
	// Credit adds amount and bumps the lifetime counter matching entry.Type.
	Credit(ctx context.Context, userID string, amount int64, entry Entry) (*Transaction, error)
	// ListTransactions returns the most recent first. limit == 0 means all.
	ListTransactions(ctx context.Context, userID string, limit int) ([]*Transaction, error)
}

// FeatureCostSource looks up feature prices. An unknown key must be
// reported as a not-found app error.
type FeatureCostSource interface {
	GetFeatureCost(ctx context.Context, featureKey string) (*FeatureCost, error)
}

// UnlimitedResolver decides which users bypass deduction
type UnlimitedResolver interface {
	IsUnlimited(ctx context.Context, userID string) (bool, error)
}
