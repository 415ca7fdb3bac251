package store

import (
	"context"
	"fmt"

	"github.com/ilp-mesh/ccp-router/internal/ccp"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// NewPool opens a pgx pool and verifies connectivity.
func NewPool(ctx context.Context, dsn string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}

	cfg.MaxConns = maxConns
	cfg.MinConns = minConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}

// PostgresSource reads accounts from the connector's accounts table. It is
// optional: deployments without a database run on static config accounts
// alone.
type PostgresSource struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewPostgresSource(pool *pgxpool.Pool, logger *zap.Logger) *PostgresSource {
	return &PostgresSource{pool: pool, logger: logger}
}

const accountsSQL = `
	SELECT id, name, ilp_address, COALESCE(route_prefix, ''), relation,
		send_routes, receive_routes, configured, asset_code, asset_scale
	FROM accounts
	ORDER BY id`

func (s *PostgresSource) Accounts(ctx context.Context) ([]Account, error) {
	rows, err := s.pool.Query(ctx, accountsSQL)
	if err != nil {
		return nil, fmt.Errorf("querying accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		var (
			a        Account
			relation string
		)
		if err := rows.Scan(&a.ID, &a.Name, &a.ILPAddress, &a.RoutePrefix, &relation,
			&a.SendRoutes, &a.ReceiveRoutes, &a.Configured, &a.AssetCode, &a.AssetScale); err != nil {
			return nil, fmt.Errorf("scanning account row: %w", err)
		}
		rel, err := ccp.ParseRelation(relation)
		if err != nil {
			s.logger.Warn("skipping account with unknown relation",
				zap.Uint64("id", a.ID),
				zap.String("relation", relation),
			)
			continue
		}
		a.Relation = rel
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading account rows: %w", err)
	}

	return accounts, nil
}

func (s *PostgresSource) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
