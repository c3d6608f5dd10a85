// Package store is the durable credential store (C2): a PostgreSQL-backed
// record of tenants, hashed client credentials, quota policies, and
// encrypted upstream credentials.
package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps a pgx connection pool. Reads are linearizable with respect
// to admin writes on the same pool.
type Store struct {
	Pool *pgxpool.Pool
}

// New connects to databaseURL and returns a ready Store.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &Store{Pool: pool}, nil
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.Pool.Close()
}
