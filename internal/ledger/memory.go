package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NikhilSetiya/usage-governor/pkg/errors"
)

// MemoryStore is a process-local Store with the same atomicity guarantees
// as the PostgreSQL store. Used by tests and the "memory" store driver.
type MemoryStore struct {
	mu           sync.Mutex
	accounts     map[string]*Account
	transactions map[string][]*Transaction
	now          func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[string]*Account),
		transactions: make(map[string][]*Transaction),
		now:          time.Now,
	}
}

// GetAccount returns a copy of the account
func (s *MemoryStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	copied := *account
	return &copied, nil
}

// InsertAccountIfAbsent creates the account and its bonus transaction
func (s *MemoryStore) InsertAccountIfAbsent(ctx context.Context, userID string, bonus int64, entry Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[userID]; ok {
		return false, nil
	}

	now := s.timestamp(entry)
	s.accounts[userID] = &Account{
		UserID:         userID,
		Balance:        bonus,
		LifetimeEarned: bonus,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if bonus > 0 {
		s.appendLocked(userID, bonus, 0, entry, now)
	}
	return true, nil
}

// Deduct subtracts cost if the balance covers it
func (s *MemoryStore) Deduct(ctx context.Context, userID string, cost int64, entry Entry) (*Transaction, error) {
	if cost < 0 {
		return nil, errors.NewValidationError("cost cannot be negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	if account.Balance < cost {
		return nil, ErrInsufficientTokens
	}

	now := s.timestamp(entry)
	before := account.Balance
	account.Balance -= cost
	account.LifetimeSpent += cost
	account.UpdatedAt = now

	return s.appendLocked(userID, -cost, before, entry, now), nil
}

// Credit adds amount to the balance
func (s *MemoryStore) Credit(ctx context.Context, userID string, amount int64, entry Entry) (*Transaction, error) {
	if amount <= 0 {
		return nil, errors.NewValidationError("credit amount must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}

	now := s.timestamp(entry)
	before := account.Balance
	account.Balance += amount
	if entry.Type == TransactionPurchase {
		account.LifetimePurchased += amount
	} else {
		account.LifetimeEarned += amount
	}
	account.UpdatedAt = now

	return s.appendLocked(userID, amount, before, entry, now), nil
}

// ListTransactions returns copies, most recent first
func (s *MemoryStore) ListTransactions(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.transactions[userID]
	n := len(log)
	if limit > 0 && limit < n {
		n = limit
	}

	result := make([]*Transaction, 0, n)
	for i := len(log) - 1; i >= 0 && len(result) < n; i-- {
		copied := *log[i]
		copied.Metadata = copyMetadata(log[i].Metadata)
		result = append(result, &copied)
	}
	return result, nil
}

func (s *MemoryStore) appendLocked(userID string, amount, before int64, entry Entry, now time.Time) *Transaction {
	id := entry.ID
	if id == "" {
		id = uuid.NewString()
	}

	tx := &Transaction{
		ID:            id,
		UserID:        userID,
		Amount:        amount,
		Type:          entry.Type,
		BalanceBefore: before,
		BalanceAfter:  before + amount,
		Description:   entry.Description,
		Metadata:      copyMetadata(entry.Metadata),
		CreatedAt:     now,
	}
	s.transactions[userID] = append(s.transactions[userID], tx)

	copied := *tx
	copied.Metadata = copyMetadata(tx.Metadata)
	return &copied
}

func (s *MemoryStore) timestamp(entry Entry) time.Time {
	if !entry.CreatedAt.IsZero() {
		return entry.CreatedAt
	}
	return s.now()
}

// StaticFeatureCosts is an in-memory price list. Keys absent from the map
// are unknown features.
type StaticFeatureCosts map[string]int64

// GetFeatureCost implements FeatureCostSource
func (c StaticFeatureCosts) GetFeatureCost(ctx context.Context, featureKey string) (*FeatureCost, error) {
	cost, ok := c[featureKey]
	if !ok {
		return nil, errors.NewNotFoundError("feature cost")
	}
	return &FeatureCost{FeatureKey: featureKey, CostTokens: cost, IsActive: cost > 0}, nil
}

// StaticUnlimited grants unlimited use to a fixed set of users
type StaticUnlimited map[string]bool

// IsUnlimited implements UnlimitedResolver
func (u StaticUnlimited) IsUnlimited(ctx context.Context, userID string) (bool, error) {
	return u[userID], nil
}
