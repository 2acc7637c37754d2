package ledger

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/NikhilSetiya/usage-governor/pkg/errors"
	"github.com/NikhilSetiya/usage-governor/pkg/logging"
	"github.com/NikhilSetiya/usage-governor/pkg/metrics"
	"github.com/NikhilSetiya/usage-governor/pkg/tracing"
)

const (
	DefaultWelcomeBonus int64 = 10
	DefaultHistoryLimit       = 50
	MaxHistoryLimit           = 500
)

// Config holds ledger policy
type Config struct {
	WelcomeBonus        int64
	DefaultHistoryLimit int
	MaxHistoryLimit     int
}

// DefaultConfig returns the default ledger policy
func DefaultConfig() Config {
	return Config{
		WelcomeBonus:        DefaultWelcomeBonus,
		DefaultHistoryLimit: DefaultHistoryLimit,
		MaxHistoryLimit:     MaxHistoryLimit,
	}
}

// Ledger is the only component that changes token balances
type Ledger struct {
	store     Store
	costs     FeatureCostSource
	unlimited UnlimitedResolver
	config    Config
	logger    *logging.Logger
	metrics   *metrics.Metrics
	tracer    *tracing.TracingService
	now       func() time.Time
}

// Option configures a Ledger
type Option func(*Ledger)

// WithUnlimitedResolver sets the unlimited-use override source
func WithUnlimitedResolver(resolver UnlimitedResolver) Option {
	return func(l *Ledger) { l.unlimited = resolver }
}

// WithConfig overrides the ledger policy
func WithConfig(config Config) Option {
	return func(l *Ledger) { l.config = config }
}

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithTracer sets the tracing service
func WithTracer(tracer *tracing.TracingService) Option {
	return func(l *Ledger) { l.tracer = tracer }
}

// WithClock overrides time.Now for transaction timestamps
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a ledger over store, pricing features from costs
func New(store Store, costs FeatureCostSource, opts ...Option) *Ledger {
	l := &Ledger{
		store:     store,
		costs:     costs,
		unlimited: StaticUnlimited(nil),
		config:    DefaultConfig(),
		logger:    logging.GetLogger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.config.DefaultHistoryLimit <= 0 {
		l.config.DefaultHistoryLimit = DefaultHistoryLimit
	}
	if l.config.MaxHistoryLimit <= 0 {
		l.config.MaxHistoryLimit = MaxHistoryLimit
	}
	if l.config.WelcomeBonus < 0 {
		l.config.WelcomeBonus = 0
	}
	return l
}

// GetBalance returns the user's balance, creating the account with the
// welcome bonus on first access.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (int64, error) {
	account, err := l.GetAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// GetAccount returns the full account, creating it on first access
func (l *Ledger) GetAccount(ctx context.Context, userID string) (*Account, error) {
	if userID == "" {
		return nil, errors.NewValidationError("user ID is required")
	}

	account, err := l.store.GetAccount(ctx, userID)
	if err == nil {
		return account, nil
	}
	if !stderrors.Is(err, ErrAccountNotFound) {
		return nil, errors.NewInternalError("failed to load token account").WithCause(err)
	}

	entry := Entry{
		ID:          uuid.NewString(),
		Type:        TransactionBonus,
		Description: "Welcome bonus",
		Metadata:    Metadata{"reason": "welcome"},
		CreatedAt:   l.now(),
	}
	created, err := l.store.InsertAccountIfAbsent(ctx, userID, l.config.WelcomeBonus, entry)
	if err != nil {
		return nil, errors.NewInternalError("failed to create token account").WithCause(err)
	}
	if created {
		l.logger.LogLedgerEvent(ctx, "account_created", userID, l.config.WelcomeBonus, nil)
		l.metrics.RecordTokensCredited(string(TransactionBonus), l.config.WelcomeBonus)
	}

	account, err = l.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, errors.NewInternalError("failed to load token account").WithCause(err)
	}
	return account, nil
}

// GetFeatureCost returns the token price of a feature. Unknown or
// inactive features cost 0 and are logged as errors; lookup failures
// propagate.
func (l *Ledger) GetFeatureCost(ctx context.Context, featureKey string) (int64, error) {
	cost, err := l.costs.GetFeatureCost(ctx, featureKey)
	if err != nil {
		if errors.IsNotFound(err) {
			l.logger.WithContext(ctx).WithField("feature_key", featureKey).
				Error("Unknown feature key, charging zero tokens")
			return 0, nil
		}
		return 0, errors.NewInternalError("failed to load feature cost").WithCause(err)
	}

	if !cost.IsActive || cost.CostTokens <= 0 {
		l.logger.WithContext(ctx).WithField("feature_key", featureKey).
			Error("Inactive feature key, charging zero tokens")
		return 0, nil
	}
	return cost.CostTokens, nil
}

// CanAfford checks whether the user can pay for one use of featureKey.
// It never mutates the balance.
func (l *Ledger) CanAfford(ctx context.Context, userID, featureKey string) (*Affordability, error) {
	account, err := l.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	unlimited, err := l.isUnlimited(ctx, userID)
	if err != nil {
		return nil, err
	}

	cost, err := l.GetFeatureCost(ctx, featureKey)
	if err != nil {
		return nil, err
	}

	return &Affordability{
		CanAfford:   unlimited || account.Balance >= cost,
		Balance:     account.Balance,
		Required:    cost,
		IsUnlimited: unlimited,
	}, nil
}

// Deduct charges one use of featureKey. Unlimited users are charged
// nothing, but a zero-amount spend is still logged for audit.
func (l *Ledger) Deduct(ctx context.Context, userID, featureKey string, metadata map[string]string) (*DeductResult, error) {
	ctx, span := l.tracer.StartLedgerSpan(ctx, "deduct", userID)
	defer span.End()

	if _, err := l.GetAccount(ctx, userID); err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	unlimited, err := l.isUnlimited(ctx, userID)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	var cost int64
	if !unlimited {
		cost, err = l.GetFeatureCost(ctx, featureKey)
		if err != nil {
			tracing.RecordError(span, err)
			return nil, err
		}
	}

	entryMetadata := copyMetadata(metadata)
	if entryMetadata == nil {
		entryMetadata = Metadata{}
	}
	entryMetadata["feature_key"] = featureKey
	description := fmt.Sprintf("Used %s", featureKey)
	if unlimited {
		entryMetadata["unlimited"] = "true"
		description = fmt.Sprintf("Used %s (unlimited)", featureKey)
	}

	tx, err := l.store.Deduct(ctx, userID, cost, Entry{
		ID:          uuid.NewString(),
		Type:        TransactionSpend,
		Description: description,
		Metadata:    entryMetadata,
		CreatedAt:   l.now(),
	})
	if err != nil {
		err = l.mapDeductError(ctx, userID, cost, err)
		tracing.RecordError(span, err)
		return nil, err
	}

	l.metrics.RecordTokensSpent(featureKey, cost)
	l.logger.LogLedgerEvent(ctx, "tokens_deducted", userID, -cost, logrus.Fields{
		"feature_key":    featureKey,
		"transaction_id": tx.ID,
		"balance_after":  tx.BalanceAfter,
		"unlimited":      unlimited,
	})

	return &DeductResult{
		NewBalance:    tx.BalanceAfter,
		TransactionID: tx.ID,
		IsUnlimited:   unlimited,
		Cost:          cost,
	}, nil
}

func (l *Ledger) mapDeductError(ctx context.Context, userID string, cost int64, err error) error {
	switch {
	case stderrors.Is(err, ErrInsufficientTokens):
		var balance int64
		if account, getErr := l.store.GetAccount(ctx, userID); getErr == nil {
			balance = account.Balance
		}
		return errors.NewInsufficientTokensError(balance, cost)
	case stderrors.Is(err, ErrAccountNotFound):
		return errors.NewAccountNotFoundError(userID).WithCause(err)
	case errors.IsType(err, errors.ErrorTypeValidation):
		return err
	default:
		return errors.NewInternalError("failed to deduct tokens").WithCause(err)
	}
}

// Add credits tokens for a purchase, bonus, or refund and returns the new balance
func (l *Ledger) Add(ctx context.Context, userID string, amount int64, txType TransactionType, description string, metadata map[string]string) (int64, error) {
	if amount <= 0 {
		return 0, errors.NewValidationError("amount must be positive")
	}
	if !txType.IsCredit() {
		return 0, errors.NewValidationError(fmt.Sprintf("transaction type %q cannot credit tokens", txType))
	}

	ctx, span := l.tracer.StartLedgerSpan(ctx, "add", userID)
	defer span.End()

	if _, err := l.GetAccount(ctx, userID); err != nil {
		tracing.RecordError(span, err)
		return 0, err
	}

	if description == "" {
		description = fmt.Sprintf("%s of %d tokens", txType, amount)
	}

	tx, err := l.store.Credit(ctx, userID, amount, Entry{
		ID:          uuid.NewString(),
		Type:        txType,
		Description: description,
		Metadata:    copyMetadata(metadata),
		CreatedAt:   l.now(),
	})
	if err != nil {
		tracing.RecordError(span, err)
		if errors.IsType(err, errors.ErrorTypeValidation) {
			return 0, err
		}
		return 0, errors.NewInternalError("failed to credit tokens").WithCause(err)
	}

	l.metrics.RecordTokensCredited(string(txType), amount)
	l.logger.LogLedgerEvent(ctx, "tokens_credited", userID, amount, logrus.Fields{
		"type":           string(txType),
		"transaction_id": tx.ID,
		"balance_after":  tx.BalanceAfter,
	})

	return tx.BalanceAfter, nil
}

// GetTransactionHistory returns the most recent transactions first.
// limit <= 0 uses the default page size; larger limits are capped.
func (l *Ledger) GetTransactionHistory(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	if _, err := l.GetAccount(ctx, userID); err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = l.config.DefaultHistoryLimit
	}
	if limit > l.config.MaxHistoryLimit {
		limit = l.config.MaxHistoryLimit
	}

	transactions, err := l.store.ListTransactions(ctx, userID, limit)
	if err != nil {
		return nil, errors.NewInternalError("failed to list transactions").WithCause(err)
	}
	return transactions, nil
}

// Reconcile replays the whole log from zero and compares the result with
// the stored balance.
func (l *Ledger) Reconcile(ctx context.Context, userID string) (*Reconciliation, error) {
	account, err := l.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	transactions, err := l.store.ListTransactions(ctx, userID, 0)
	if err != nil {
		return nil, errors.NewInternalError("failed to list transactions").WithCause(err)
	}

	result := &Reconciliation{
		UserID:           userID,
		Balance:          account.Balance,
		TransactionCount: len(transactions),
	}

	var running int64
	for i := len(transactions) - 1; i >= 0; i-- {
		tx := transactions[i]
		if result.FirstBrokenLink == "" && tx.BalanceBefore != running {
			result.FirstBrokenLink = tx.ID
		}
		running += tx.Amount
	}
	result.Replayed = running
	result.Consistent = running == account.Balance && result.FirstBrokenLink == ""

	if !result.Consistent {
		l.logger.WithContext(ctx).WithFields(logrus.Fields{
			"user_id":           userID,
			"balance":           account.Balance,
			"replayed":          running,
			"first_broken_link": result.FirstBrokenLink,
		}).Error("Ledger reconciliation mismatch")
	}

	return result, nil
}

func (l *Ledger) isUnlimited(ctx context.Context, userID string) (bool, error) {
	if l.unlimited == nil {
		return false, nil
	}
	unlimited, err := l.unlimited.IsUnlimited(ctx, userID)
	if err != nil {
		return false, errors.NewInternalError("failed to resolve unlimited access").WithCause(err)
	}
	return unlimited, nil
}
