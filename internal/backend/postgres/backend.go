// Package postgres implements the similarity-search backend on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mkarlsen/kmergate/internal/pgarray"
	"github.com/mkarlsen/kmergate/internal/search"
)

var validDatasetName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for search queries.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Backend runs similarity searches against the engine's SQL surface.
// Queries are fully parameterized; no request value is ever interpolated
// into SQL text.
type Backend struct {
	pool querier
}

// New creates a Postgres-backed search Backend using the provided config.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("backend.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse backend dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect backend: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping backend: %w", err)
	}
	return &Backend{pool: pool}, nil
}

// NewWithPool constructs a Backend from an existing pool (primarily for testing).
func NewWithPool(pool querier) (*Backend, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Backend{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (b *Backend) Close() {
	if b == nil || b.pool == nil {
		return
	}
	b.pool.Close()
}

// Ping verifies the engine connection, used by the readiness probe.
func (b *Backend) Ping(ctx context.Context) error {
	if b == nil || b.pool == nil {
		return fmt.Errorf("backend is not configured")
	}
	return b.pool.Ping(ctx)
}

// DatasetMeta fetches the advertised query bounds for a dataset.
func (b *Backend) DatasetMeta(ctx context.Context, dataset, partition string) (search.DatasetMeta, error) {
	if !validDatasetName.MatchString(dataset) {
		return search.DatasetMeta{}, fmt.Errorf("%w: %q", search.ErrUnknownDataset, dataset)
	}
	var meta search.DatasetMeta
	err := b.pool.QueryRow(ctx, `
		SELECT min_query_len, max_query_len, kmer_length
		FROM kmer_dataset_meta
		WHERE dataset = $1 AND (partition_name = $2 OR $2 = '')
		LIMIT 1`,
		dataset, partition,
	).Scan(&meta.MinQueryLen, &meta.MaxQueryLen, &meta.KmerLength)
	if errors.Is(err, pgx.ErrNoRows) {
		return search.DatasetMeta{}, fmt.Errorf("%w: %q", search.ErrUnknownDataset, dataset)
	}
	if err != nil {
		return search.DatasetMeta{}, fmt.Errorf("query dataset meta: %w", err)
	}
	return meta, nil
}

// Search runs one similarity query through the engine's kmer_search
// function and decodes the scored matches.
func (b *Backend) Search(ctx context.Context, q search.Query) ([]search.Match, error) {
	withRegions := q.Mode == search.ModeRegions
	rows, err := b.pool.Query(ctx, `
		SELECT label, raw_score, corrected_score, shared_kmer_rate, regions
		FROM kmer_search($1, $2, $3, $4, $5, $6, $7)`,
		q.Dataset,
		q.Partition,
		q.Sequence,
		q.ResultCap,
		q.ScoreThreshold,
		q.KmerRateThreshold,
		withRegions,
	)
	if err != nil {
		return nil, fmt.Errorf("run search query: %w", err)
	}
	defer rows.Close()

	matches := make([]search.Match, 0, q.ResultCap)
	for rows.Next() {
		var (
			m       search.Match
			regions *string
		)
		if err := rows.Scan(&m.Label, &m.RawScore, &m.CorrectedScore, &m.SharedKmerRate, &regions); err != nil {
			return nil, fmt.Errorf("scan match row: %w", err)
		}
		if withRegions && regions != nil {
			decoded, err := pgarray.Decode(*regions)
			if err != nil {
				return nil, fmt.Errorf("%w for %q: %v", search.ErrRegionDecode, m.Label, err)
			}
			m.Regions = decoded
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate match rows: %w", err)
	}
	return matches, nil
}
