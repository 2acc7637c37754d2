package database

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/NikhilSetiya/usage-governor/internal/ledger"
	"github.com/NikhilSetiya/usage-governor/pkg/errors"
)

const (
	accountColumns     = `user_id, balance, lifetime_earned, lifetime_purchased, lifetime_spent, created_at, updated_at`
	transactionColumns = `id, user_id, amount, type, balance_before, balance_after, description, metadata, created_at`
)

// TokenStore is the PostgreSQL implementation of ledger.Store. Balance
// changes and their transaction rows are written in one DB transaction.
type TokenStore struct {
	db *DB
}

// NewTokenStore creates a new token store
func NewTokenStore(db *DB) *TokenStore {
	return &TokenStore{db: db}
}

// GetAccount retrieves an account by user ID
func (s *TokenStore) GetAccount(ctx context.Context, userID string) (_ *ledger.Account, err error) {
	ctx, done := s.db.observe(ctx, "select", "token_accounts")
	defer func() { done(err) }()

	var account ledger.Account
	query := `SELECT ` + accountColumns + ` FROM token_accounts WHERE user_id = $1`

	err = s.db.GetContext(ctx, &account, query, userID)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrAccountNotFound
		}
		return nil, fmt.Errorf("get token account: %w", err)
	}

	return &account, nil
}

// InsertAccountIfAbsent creates the account and its bonus transaction.
// Concurrent callers race on the primary key; exactly one creates the row.
func (s *TokenStore) InsertAccountIfAbsent(ctx context.Context, userID string, bonus int64, entry ledger.Entry) (_ bool, err error) {
	ctx, done := s.db.observe(ctx, "insert", "token_accounts")
	defer func() { done(err) }()

	now := timestamp(entry)
	created := false

	err = s.db.WithTransaction(ctx, func(tx *sqlx.Tx) error {
		query := `
			INSERT INTO token_accounts (user_id, balance, lifetime_earned, created_at, updated_at)
			VALUES ($1, $2, $2, $3, $3)
			ON CONFLICT (user_id) DO NOTHING`

		result, err := tx.ExecContext(ctx, query, userID, bonus, now)
		if err != nil {
			return fmt.Errorf("insert token account: %w", err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return nil
		}
		created = true

		if bonus <= 0 {
			return nil
		}
		return insertTransaction(ctx, tx, newTransaction(userID, bonus, 0, entry, now))
	})
	if err != nil {
		return false, err
	}

	return created, nil
}

// Deduct subtracts cost only when the balance covers it at update time
func (s *TokenStore) Deduct(ctx context.Context, userID string, cost int64, entry ledger.Entry) (_ *ledger.Transaction, err error) {
	if cost < 0 {
		return nil, errors.NewValidationError("cost cannot be negative")
	}
	ctx, done := s.db.observe(ctx, "update", "token_accounts")
	defer func() { done(err) }()

	now := timestamp(entry)
	var transaction *ledger.Transaction

	err = s.db.WithTransaction(ctx, func(tx *sqlx.Tx) error {
		query := `
			UPDATE token_accounts
			SET balance = balance - $2, lifetime_spent = lifetime_spent + $2, updated_at = $3
			WHERE user_id = $1 AND balance >= $2
			RETURNING balance`

		var balanceAfter int64
		err := tx.GetContext(ctx, &balanceAfter, query, userID, cost, now)
		if err != nil {
			if stderrors.Is(err, sql.ErrNoRows) {
				return noRowsReason(ctx, tx, userID)
			}
			return fmt.Errorf("deduct tokens: %w", err)
		}

		transaction = newTransaction(userID, -cost, balanceAfter+cost, entry, now)
		return insertTransaction(ctx, tx, transaction)
	})
	if err != nil {
		return nil, err
	}

	return transaction, nil
}

// Credit adds amount and bumps the matching lifetime counter
func (s *TokenStore) Credit(ctx context.Context, userID string, amount int64, entry ledger.Entry) (_ *ledger.Transaction, err error) {
	if amount <= 0 {
		return nil, errors.NewValidationError("credit amount must be positive")
	}
	ctx, done := s.db.observe(ctx, "update", "token_accounts")
	defer func() { done(err) }()

	counter := "lifetime_earned"
	if entry.Type == ledger.TransactionPurchase {
		counter = "lifetime_purchased"
	}

	now := timestamp(entry)
	var transaction *ledger.Transaction

	err = s.db.WithTransaction(ctx, func(tx *sqlx.Tx) error {
		query := fmt.Sprintf(`
			UPDATE token_accounts
			SET balance = balance + $2, %[1]s = %[1]s + $2, updated_at = $3
			WHERE user_id = $1
			RETURNING balance`, counter)

		var balanceAfter int64
		err := tx.GetContext(ctx, &balanceAfter, query, userID, amount, now)
		if err != nil {
			if stderrors.Is(err, sql.ErrNoRows) {
				return ledger.ErrAccountNotFound
			}
			return fmt.Errorf("credit tokens: %w", err)
		}

		transaction = newTransaction(userID, amount, balanceAfter-amount, entry, now)
		return insertTransaction(ctx, tx, transaction)
	})
	if err != nil {
		return nil, err
	}

	return transaction, nil
}

// ListTransactions returns the user's transactions, most recent first
func (s *TokenStore) ListTransactions(ctx context.Context, userID string, limit int) (_ []*ledger.Transaction, err error) {
	ctx, done := s.db.observe(ctx, "select", "token_transactions")
	defer func() { done(err) }()

	query := `SELECT ` + transactionColumns + ` FROM token_transactions WHERE user_id = $1 ORDER BY seq DESC`
	args := []interface{}{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	var transactions []*ledger.Transaction
	if err = s.db.SelectContext(ctx, &transactions, query, args...); err != nil {
		return nil, fmt.Errorf("list token transactions: %w", err)
	}

	return transactions, nil
}

// noRowsReason tells a missing account apart from an insufficient balance
// after a conditional update matched nothing.
func noRowsReason(ctx context.Context, tx *sqlx.Tx, userID string) error {
	var exists bool
	err := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM token_accounts WHERE user_id = $1)`, userID)
	if err != nil {
		return fmt.Errorf("check token account: %w", err)
	}
	if !exists {
		return ledger.ErrAccountNotFound
	}
	return ledger.ErrInsufficientTokens
}

func insertTransaction(ctx context.Context, tx *sqlx.Tx, transaction *ledger.Transaction) error {
	query := `
		INSERT INTO token_transactions (` + transactionColumns + `)
		VALUES (:id, :user_id, :amount, :type, :balance_before, :balance_after, :description, :metadata, :created_at)`

	if _, err := tx.NamedExecContext(ctx, query, transaction); err != nil {
		return fmt.Errorf("insert token transaction: %w", err)
	}
	return nil
}

func newTransaction(userID string, amount, balanceBefore int64, entry ledger.Entry, now time.Time) *ledger.Transaction {
	id := entry.ID
	if id == "" {
		id = uuid.NewString()
	}

	return &ledger.Transaction{
		ID:            id,
		UserID:        userID,
		Amount:        amount,
		Type:          entry.Type,
		BalanceBefore: balanceBefore,
		BalanceAfter:  balanceBefore + amount,
		Description:   entry.Description,
		Metadata:      entry.Metadata,
		CreatedAt:     now,
	}
}

func timestamp(entry ledger.Entry) time.Time {
	if !entry.CreatedAt.IsZero() {
		return entry.CreatedAt
	}
	return time.Now().UTC()
}

// FeatureCostRepository reads the feature price list
type FeatureCostRepository struct {
	db *DB
}

// NewFeatureCostRepository creates a new feature cost repository
func NewFeatureCostRepository(db *DB) *FeatureCostRepository {
	return &FeatureCostRepository{db: db}
}

// GetFeatureCost retrieves the price of a feature. Unknown keys return a
// not-found error.
func (r *FeatureCostRepository) GetFeatureCost(ctx context.Context, featureKey string) (_ *ledger.FeatureCost, err error) {
	ctx, done := r.db.observe(ctx, "select", "feature_costs")
	defer func() { done(err) }()

	var cost ledger.FeatureCost
	query := `SELECT feature_key, cost_tokens, is_active FROM feature_costs WHERE feature_key = $1`

	err = r.db.GetContext(ctx, &cost, query, featureKey)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("feature cost")
		}
		return nil, fmt.Errorf("get feature cost: %w", err)
	}

	return &cost, nil
}

// List retrieves every feature price, active or not
func (r *FeatureCostRepository) List(ctx context.Context) (_ []*ledger.FeatureCost, err error) {
	ctx, done := r.db.observe(ctx, "select", "feature_costs")
	defer func() { done(err) }()

	var costs []*ledger.FeatureCost
	query := `SELECT feature_key, cost_tokens, is_active FROM feature_costs ORDER BY feature_key`

	if err = r.db.SelectContext(ctx, &costs, query); err != nil {
		return nil, fmt.Errorf("list feature costs: %w", err)
	}

	return costs, nil
}

// EntitlementRepository resolves unlimited-use overrides
type EntitlementRepository struct {
	db  *DB
	now func() time.Time
}

// NewEntitlementRepository creates a new entitlement repository
func NewEntitlementRepository(db *DB) *EntitlementRepository {
	return &EntitlementRepository{db: db, now: time.Now}
}

// IsUnlimited reports whether the user holds an unexpired unlimited entitlement
func (r *EntitlementRepository) IsUnlimited(ctx context.Context, userID string) (_ bool, err error) {
	ctx, done := r.db.observe(ctx, "select", "user_entitlements")
	defer func() { done(err) }()

	var unlimited bool
	query := `
		SELECT EXISTS (
			SELECT 1 FROM user_entitlements
			WHERE user_id = $1 AND unlimited AND (expires_at IS NULL OR expires_at > $2)
		)`

	if err = r.db.GetContext(ctx, &unlimited, query, userID, r.now()); err != nil {
		return false, fmt.Errorf("check entitlement: %w", err)
	}

	return unlimited, nil
}

// Repositories aggregates the ledger's persistence dependencies
type Repositories struct {
	Tokens       *TokenStore
	FeatureCosts *FeatureCostRepository
	Entitlements *EntitlementRepository
}

// NewRepositories creates a new repositories instance
func NewRepositories(db *DB) *Repositories {
	return &Repositories{
		Tokens:       NewTokenStore(db),
		FeatureCosts: NewFeatureCostRepository(db),
		Entitlements: NewEntitlementRepository(db),
	}
}

var (
	_ ledger.Store             = (*TokenStore)(nil)
	_ ledger.FeatureCostSource = (*FeatureCostRepository)(nil)
	_ ledger.UnlimitedResolver = (*EntitlementRepository)(nil)
)
