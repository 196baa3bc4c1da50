package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/canopy-network/entityx/pkg/retry"
	"github.com/canopy-network/entityx/pkg/utils"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Pool is the subset of *pgxpool.Pool the stores use. pgxmock pools satisfy
// it as well.
type Pool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Client wraps a PostgreSQL connection pool and provides helper methods
type Client struct {
	Logger *zap.Logger
	Pool   Pool
	closer func()
}

// PoolConfig defines connection pool settings for a specific component
type PoolConfig struct {
	MinConns        int32
	MaxConns        int32
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	Component       string
}

// New connects to POSTGRES_URL with retries and runs pending migrations.
func New(ctx context.Context, logger *zap.Logger, poolConfig *PoolConfig) (client Client, err error) {
	connCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	client.Logger = logger
	dbURL := utils.Env("POSTGRES_URL", "postgres://localhost:5432/entityx")

	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return Client{}, fmt.Errorf("failed to parse POSTGRES_URL: %w", err)
	}

	if poolConfig == nil {
		poolConfig = GetPoolConfigForComponent("")
	}
	config.MinConns = poolConfig.MinConns
	config.MaxConns = poolConfig.MaxConns
	config.MaxConnLifetime = poolConfig.ConnMaxLifetime
	config.MaxConnIdleTime = poolConfig.ConnMaxIdleTime

	retryErr := retry.WithBackoff(connCtx, retry.DefaultConfig(), logger, "postgres_connection", func() error {
		pool, openErr := pgxpool.NewWithConfig(connCtx, config)
		if openErr != nil {
			return fmt.Errorf("failed to create postgres connection pool: %w", openErr)
		}
		if pingErr := pool.Ping(connCtx); pingErr != nil {
			pool.Close()
			return fmt.Errorf("failed to ping postgres: %w", pingErr)
		}
		client.Pool = pool
		client.closer = pool.Close

		logger.Info("PostgreSQL connection pool configured",
			zap.String("component", poolConfig.Component),
			zap.Int32("min_conns", poolConfig.MinConns),
			zap.Int32("max_conns", poolConfig.MaxConns),
			zap.Duration("conn_max_lifetime", poolConfig.ConnMaxLifetime),
		)
		return nil
	})
	if retryErr != nil {
		return Client{}, retryErr
	}

	if err := Migrate(ctx, client.Pool, logger); err != nil {
		client.Close()
		return Client{}, err
	}
	return client, nil
}

// NewWithPool wraps an existing pool, used by tests.
func NewWithPool(logger *zap.Logger, pool Pool) Client {
	return Client{Logger: logger, Pool: pool}
}

// BeginFunc executes fn within a transaction. The transaction is rolled back
// when fn returns an error and committed otherwise.
func (c *Client) BeginFunc(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, c.Pool, fn)
}

// Ping checks the connection with a trivial query.
func (c *Client) Ping(ctx context.Context) error {
	var one int
	return c.Pool.QueryRow(ctx, "SELECT 1").Scan(&one)
}

// Close closes the connection pool
func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// IsNoRows checks if the error is a "no rows" error
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// GetPoolConfigForComponent returns deterministic pool settings for each component
func GetPoolConfigForComponent(component string) *PoolConfig {
	var minConns, maxConns int32
	switch component {
	case "worker":
		minConns, maxConns = 2, 15
	case "query":
		minConns, maxConns = 2, 20
	case "controller":
		minConns, maxConns = 1, 4
	case "cli":
		minConns, maxConns = 0, 2
	default:
		minConns, maxConns = 2, 10
	}

	return &PoolConfig{
		MinConns:        minConns,
		MaxConns:        maxConns,
		ConnMaxLifetime: utils.EnvDuration("POSTGRES_CONN_MAX_LIFETIME", time.Hour),
		ConnMaxIdleTime: 30 * time.Minute,
		Component:       component,
	}
}
