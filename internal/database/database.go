package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	stderrors "errors"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/NikhilSetiya/usage-governor/internal/ledger"
	"github.com/NikhilSetiya/usage-governor/pkg/config"
	"github.com/NikhilSetiya/usage-governor/pkg/errors"
	"github.com/NikhilSetiya/usage-governor/pkg/logging"
	"github.com/NikhilSetiya/usage-governor/pkg/metrics"
	"github.com/NikhilSetiya/usage-governor/pkg/tracing"
)

// DefaultSlowQueryThreshold is the duration above which a repository call
// is logged as slow
const DefaultSlowQueryThreshold = 500 * time.Millisecond

// DB wraps the database connection with additional functionality
type DB struct {
	*sqlx.DB
	config    *config.DatabaseConfig
	metrics   *metrics.Metrics
	tracer    *tracing.TracingService
	logger    *logging.Logger
	slowQuery time.Duration
}

// New creates a new database connection with pool settings from cfg
func New(cfg *config.DatabaseConfig) (*DB, error) {
	if cfg == nil {
		return nil, errors.NewValidationError("database configuration is required")
	}

	// Basic connection string compatible with PgBouncer
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=10",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode,
	)

	db, err := sqlx.Connect("postgres", connStr)
	if err != nil {
		return nil, errors.NewInternalError("failed to connect to database").WithCause(err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.NewInternalError("failed to ping database").WithCause(err)
	}

	return &DB{DB: db, config: cfg, slowQuery: DefaultSlowQueryThreshold}, nil
}

// NewFromDB wraps an existing connection. The driver name selects the
// bind variable style.
func NewFromDB(db *sql.DB, driverName string) *DB {
	return &DB{DB: sqlx.NewDb(db, driverName), config: &config.DatabaseConfig{}, slowQuery: DefaultSlowQueryThreshold}
}

// SetMetrics enables query timing and pool statistics
func (db *DB) SetMetrics(m *metrics.Metrics) {
	db.metrics = m
}

// SetTracer wraps every repository call in a client span
func (db *DB) SetTracer(t *tracing.TracingService) {
	db.tracer = t
}

// SetLogger enables slow query logging
func (db *DB) SetLogger(l *logging.Logger) {
	db.logger = l
}

// SetSlowQueryThreshold changes when a call counts as slow. Zero disables
// slow query logging.
func (db *DB) SetSlowQueryThreshold(d time.Duration) {
	db.slowQuery = d
}

// Close closes the database connection
func (db *DB) Close() error {
	if db.DB != nil {
		return db.DB.Close()
	}
	return nil
}

// Health checks the database connection health
func (db *DB) Health(ctx context.Context) error {
	if db.DB == nil {
		return errors.NewInternalError("database connection is nil")
	}

	if err := db.PingContext(ctx); err != nil {
		return errors.NewInternalError("database health check failed").WithCause(err)
	}

	return nil
}

// BeginTx starts a new transaction with the given options
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error) {
	tx, err := db.DB.BeginTxx(ctx, opts)
	if err != nil {
		return nil, errors.NewInternalError("failed to begin transaction").WithCause(err)
	}
	return tx, nil
}

// WithTransaction executes a function within a database transaction
func (db *DB) WithTransaction(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.NewInternalError("failed to rollback transaction").
				WithCause(fmt.Errorf("original error: %w, rollback error: %v", err, rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.NewInternalError("failed to commit transaction").WithCause(err)
	}

	return nil
}

// Stats returns database connection statistics
func (db *DB) Stats() sql.DBStats {
	return db.DB.Stats()
}

// Config returns the database configuration
func (db *DB) Config() *config.DatabaseConfig {
	return db.config
}

// CollectStats publishes pool statistics; it fits metrics.CollectFunc
func (db *DB) CollectStats(m *metrics.Metrics) {
	stats := db.Stats()
	m.UpdateDatabaseConnections(stats.OpenConnections, stats.Idle, stats.MaxOpenConnections)
}

// observe starts the span for one repository call. The returned func
// ends it and records timing; ledger outcomes such as a missing account
// are not span errors.
func (db *DB) observe(ctx context.Context, operation, table string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := db.tracer.StartDatabaseSpan(ctx, operation, table)

	return ctx, func(err error) {
		duration := time.Since(start)
		if !expectedOutcome(err) {
			tracing.RecordError(span, err)
		}
		span.End()

		db.metrics.RecordDatabaseQuery(operation, table, duration)
		if db.logger != nil {
			logCtx := logging.WithSpanID(logging.WithTraceID(ctx, tracing.GetTraceID(ctx)), tracing.GetSpanID(ctx))
			db.logger.LogSlowOperation(logCtx, "database", operation, duration, db.slowQuery, logging.Fields{"table": table})
		}
	}
}

func expectedOutcome(err error) bool {
	return stderrors.Is(err, ledger.ErrAccountNotFound) ||
		stderrors.Is(err, ledger.ErrInsufficientTokens) ||
		errors.IsNotFound(err)
}
