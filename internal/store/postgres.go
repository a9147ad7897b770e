package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/finmetrics/internal/db"
	"github.com/sells-group/finmetrics/internal/pipeline"
)

// Schema holds every finmetrics table in PostgreSQL.
const Schema = "finmetrics"

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE SCHEMA IF NOT EXISTS finmetrics;

CREATE TABLE IF NOT EXISTS finmetrics.batches (
	id               TEXT PRIMARY KEY,
	entity           TEXT NOT NULL,
	period           TEXT NOT NULL,
	ontology_version TEXT NOT NULL,
	profile          TEXT NOT NULL,
	summary          JSONB NOT NULL,
	result           JSONB NOT NULL,
	started_at       TIMESTAMPTZ NOT NULL,
	completed_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS finmetrics.resolved_metrics (
	batch_id   TEXT NOT NULL REFERENCES finmetrics.batches(id) ON DELETE CASCADE,
	metric_id  TEXT NOT NULL,
	entity     TEXT NOT NULL,
	period     TEXT NOT NULL,
	value      DOUBLE PRECISION NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	origin     TEXT NOT NULL,
	citation   TEXT NOT NULL,
	PRIMARY KEY (batch_id, metric_id, entity, period)
);

CREATE INDEX IF NOT EXISTS idx_batches_entity ON finmetrics.batches(entity);
CREATE INDEX IF NOT EXISTS idx_batches_completed_at ON finmetrics.batches(completed_at DESC);
CREATE INDEX IF NOT EXISTS idx_resolved_metrics_entity_metric ON finmetrics.resolved_metrics(entity, metric_id);
`

var metricColumns = []string{"batch_id", "metric_id", "entity", "period", "value", "confidence", "origin", "citation"}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// SaveBatch upserts the batch row and replaces its metrics in one
// transaction. Metrics are written with COPY.
func (s *PostgresStore) SaveBatch(ctx context.Context, res *pipeline.BatchResult) error {
	summary, payload, err := encodeBatch(res)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO finmetrics.batches (id, entity, period, ontology_version, profile, summary, result, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
			entity = EXCLUDED.entity, period = EXCLUDED.period,
			ontology_version = EXCLUDED.ontology_version, profile = EXCLUDED.profile,
			summary = EXCLUDED.summary, result = EXCLUDED.result,
			started_at = EXCLUDED.started_at, completed_at = EXCLUDED.completed_at`,
		res.ID, res.Entity, res.Period.String(), res.OntologyVersion, res.Profile,
		summary, payload, res.StartedAt.UTC(), res.CompletedAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert batch %s", res.ID)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM finmetrics.resolved_metrics WHERE batch_id = $1`, res.ID); err != nil {
		return eris.Wrapf(err, "postgres: clear metrics for batch %s", res.ID)
	}

	recs := metricRows(res)
	rows := make([][]any, 0, len(recs))
	for _, m := range recs {
		rows = append(rows, []any{m.BatchID, m.MetricID, m.Entity, m.Period, m.Value, m.Confidence, m.Origin, m.Citation})
	}
	if _, err := db.CopyFromSchema(ctx, tx, Schema, "resolved_metrics", metricColumns, rows); err != nil {
		return eris.Wrapf(err, "postgres: copy metrics for batch %s", res.ID)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit batch")
}

func (s *PostgresStore) GetBatch(ctx context.Context, id string) (*pipeline.BatchResult, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT result FROM finmetrics.batches WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: batch %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get batch %s", id)
	}
	var res pipeline.BatchResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal result")
	}
	return &res, nil
}

func (s *PostgresStore) ListBatches(ctx context.Context, filter BatchFilter) ([]BatchRecord, error) {
	query := `SELECT id, entity, period, ontology_version, profile, summary, started_at, completed_at FROM finmetrics.batches WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Entity != "" {
		query += fmt.Sprintf(` AND entity = $%d`, argIdx)
		args = append(args, filter.Entity)
		argIdx++
	}
	if !filter.CompletedAfter.IsZero() {
		query += fmt.Sprintf(` AND completed_at > $%d`, argIdx)
		args = append(args, filter.CompletedAfter.UTC())
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY completed_at DESC, id LIMIT $%d`, argIdx)
	args = append(args, limitOf(filter))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list batches")
	}
	defer rows.Close()

	var out []BatchRecord
	for rows.Next() {
		var r BatchRecord
		var summary []byte
		if err := rows.Scan(&r.ID, &r.Entity, &r.Period, &r.OntologyVersion, &r.Profile, &summary, &r.StartedAt, &r.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan batch")
		}
		if err := json.Unmarshal(summary, &r.Summary); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal summary")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list batches iterate")
}

func (s *PostgresStore) MetricHistory(ctx context.Context, entity, metricID string) ([]MetricRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT m.batch_id, m.metric_id, m.entity, m.period, m.value, m.confidence, m.origin, m.citation, b.completed_at
		 FROM finmetrics.resolved_metrics m JOIN finmetrics.batches b ON b.id = m.batch_id
		 WHERE m.entity = $1 AND m.metric_id = $2
		 ORDER BY b.completed_at DESC, m.period DESC`,
		entity, metricID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: metric history")
	}
	defer rows.Close()

	var out []MetricRecord
	for rows.Next() {
		var m MetricRecord
		if err := rows.Scan(&m.BatchID, &m.MetricID, &m.Entity, &m.Period, &m.Value, &m.Confidence, &m.Origin, &m.Citation, &m.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan metric")
		}
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: metric history iterate")
}
