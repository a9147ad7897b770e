package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/finmetrics/internal/pipeline"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS batches (
	id               TEXT PRIMARY KEY,
	entity           TEXT NOT NULL,
	period           TEXT NOT NULL,
	ontology_version TEXT NOT NULL,
	profile          TEXT NOT NULL,
	summary          TEXT NOT NULL,
	result           TEXT NOT NULL,
	started_at       DATETIME NOT NULL,
	completed_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS resolved_metrics (
	batch_id   TEXT NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
	metric_id  TEXT NOT NULL,
	entity     TEXT NOT NULL,
	period     TEXT NOT NULL,
	value      REAL NOT NULL,
	confidence REAL NOT NULL,
	origin     TEXT NOT NULL,
	citation   TEXT NOT NULL,
	PRIMARY KEY (batch_id, metric_id, entity, period)
);

CREATE INDEX IF NOT EXISTS idx_batches_entity ON batches(entity);
CREATE INDEX IF NOT EXISTS idx_batches_completed_at ON batches(completed_at);
CREATE INDEX IF NOT EXISTS idx_resolved_metrics_entity_metric ON resolved_metrics(entity, metric_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveBatch stores res, replacing any earlier result with the same id.
func (s *SQLiteStore) SaveBatch(ctx context.Context, res *pipeline.BatchResult) error {
	summary, payload, err := encodeBatch(res)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM resolved_metrics WHERE batch_id = ?`, res.ID); err != nil {
		return eris.Wrapf(err, "sqlite: clear metrics for batch %s", res.ID)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO batches (id, entity, period, ontology_version, profile, summary, result, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			entity = excluded.entity, period = excluded.period,
			ontology_version = excluded.ontology_version, profile = excluded.profile,
			summary = excluded.summary, result = excluded.result,
			started_at = excluded.started_at, completed_at = excluded.completed_at`,
		res.ID, res.Entity, res.Period.String(), res.OntologyVersion, res.Profile,
		string(summary), string(payload), res.StartedAt.UTC(), res.CompletedAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert batch %s", res.ID)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO resolved_metrics (batch_id, metric_id, entity, period, value, confidence, origin, citation)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare metric insert")
	}
	defer stmt.Close() //nolint:errcheck
	for _, m := range metricRows(res) {
		if _, err := stmt.ExecContext(ctx, m.BatchID, m.MetricID, m.Entity, m.Period, m.Value, m.Confidence, m.Origin, m.Citation); err != nil {
			return eris.Wrapf(err, "sqlite: insert metric %s", m.MetricID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit batch")
}

func (s *SQLiteStore) GetBatch(ctx context.Context, id string) (*pipeline.BatchResult, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT result FROM batches WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: batch %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get batch %s", id)
	}
	var res pipeline.BatchResult
	if err := json.Unmarshal([]byte(payload), &res); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal result")
	}
	return &res, nil
}

func (s *SQLiteStore) ListBatches(ctx context.Context, filter BatchFilter) ([]BatchRecord, error) {
	query := `SELECT id, entity, period, ontology_version, profile, summary, started_at, completed_at FROM batches WHERE 1=1`
	var args []any

	if filter.Entity != "" {
		query += ` AND entity = ?`
		args = append(args, filter.Entity)
	}
	if !filter.CompletedAfter.IsZero() {
		query += ` AND completed_at > ?`
		args = append(args, filter.CompletedAfter.UTC())
	}
	query += ` ORDER BY completed_at DESC, id LIMIT ?`
	args = append(args, limitOf(filter))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list batches")
	}
	defer rows.Close() //nolint:errcheck

	var out []BatchRecord
	for rows.Next() {
		var r BatchRecord
		var summary string
		if err := rows.Scan(&r.ID, &r.Entity, &r.Period, &r.OntologyVersion, &r.Profile, &summary, &r.StartedAt, &r.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan batch")
		}
		if err := json.Unmarshal([]byte(summary), &r.Summary); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal summary")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list batches iterate")
}

func (s *SQLiteStore) MetricHistory(ctx context.Context, entity, metricID string) ([]MetricRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.batch_id, m.metric_id, m.entity, m.period, m.value, m.confidence, m.origin, m.citation, b.completed_at
		 FROM resolved_metrics m JOIN batches b ON b.id = m.batch_id
		 WHERE m.entity = ? AND m.metric_id = ?
		 ORDER BY b.completed_at DESC, m.period DESC`,
		entity, metricID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: metric history")
	}
	defer rows.Close() //nolint:errcheck

	var out []MetricRecord
	for rows.Next() {
		var m MetricRecord
		if err := rows.Scan(&m.BatchID, &m.MetricID, &m.Entity, &m.Period, &m.Value, &m.Confidence, &m.Origin, &m.Citation, &m.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan metric")
		}
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: metric history iterate")
}
