package pg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/snapflowio/pgcdc/logger"
)

// Connect opens a single low-level connection, typically a replication=database one.
func Connect(ctx context.Context, dsn, applicationName string) (*pgconn.PgConn, error) {
	cfg, err := pgconn.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse connection config: %w", err)
	}

	if applicationName != "" {
		cfg.RuntimeParams["application_name"] = applicationName
	}

	var conn *pgconn.PgConn
	err = Retry(ctx, "connect", DefaultRetryPolicy, func() error {
		c, err := pgconn.ConnectConfig(ctx, cfg)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	return conn, nil
}

// NewPool opens a pgx pool and verifies it with a ping.
func NewPool(ctx context.Context, dsn, applicationName string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	if applicationName != "" {
		cfg.ConnConfig.RuntimeParams["application_name"] = applicationName
	}

	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	err = Retry(ctx, "ping", DefaultRetryPolicy, func() error {
		return pool.Ping(ctx)
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	logger.Debug("[pg] pool ready", "maxConns", cfg.MaxConns, "applicationName", applicationName)
	return pool, nil
}
