package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/nagare/internal/model"
)

const metricColumns = `id, datasource, name, server, unit, poll_interval,
	model_config, last_rowid, status, status_message, created_at, updated_at`

// GetMetric fetches a metric by id. Returns ErrNotFound if it does not exist.
func (db *DB) GetMetric(ctx context.Context, id uuid.UUID) (model.Metric, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+metricColumns+` FROM metrics WHERE id = $1`, id)
	return scanMetric(row)
}

// GetMetricByName fetches a metric by (datasource, name).
func (db *DB) GetMetricByName(ctx context.Context, datasource, name string) (model.Metric, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+metricColumns+` FROM metrics WHERE datasource = $1 AND name = $2`,
		datasource, name)
	return scanMetric(row)
}

// CreateMetric inserts a new metric row. Returns ErrMetricExists on a
// (datasource, name) collision so callers can resolve the existing metric
// and treat the retry as an idempotent no-op.
func (db *DB) CreateMetric(ctx context.Context, m model.Metric) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO metrics (id, datasource, name, server, unit, poll_interval,
		                      model_config, last_rowid, status, status_message)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.Datasource, m.Name, m.Server, m.Unit, m.PollInterval,
		m.ModelConfig, m.LastRowID, int(m.Status.Code), m.Status.Message,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return ErrMetricExists
		}
		return fmt.Errorf("storage: create metric: %w", err)
	}
	return nil
}

// CompareAndSetStatus conditionally moves a metric from expected to next.
// It returns false, with no error, when the current status is not expected —
// a benign race, never a failure. The caller decides whether a lost race is
// acceptable or a consistency bug.
func (db *DB) CompareAndSetStatus(ctx context.Context, id uuid.UUID, expected model.StatusCode, next model.Status) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE metrics
		 SET status = $1, status_message = $2, updated_at = now()
		 WHERE id = $3 AND status = $4`,
		int(next.Code), next.Message, id, int(expected),
	)
	if err != nil {
		return false, fmt.Errorf("storage: compare-and-set status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MetricChanges describes the columns UpdateMetricForStatus may touch.
// Nil fields are left unchanged.
type MetricChanges struct {
	Status      *model.Status
	ModelConfig []byte
}

// UpdateMetricForStatus applies changes only if the metric's current status
// still equals refStatus (optimistic concurrency — the write is rejected if
// the status changed underneath the caller). Returns false when the
// condition did not hold.
func (db *DB) UpdateMetricForStatus(ctx context.Context, id uuid.UUID, refStatus model.StatusCode, changes MetricChanges) (bool, error) {
	set := `updated_at = now()`
	args := []any{id, int(refStatus)}
	n := 3
	if changes.Status != nil {
		set += fmt.Sprintf(", status = $%d, status_message = $%d", n, n+1)
		args = append(args, int(changes.Status.Code), changes.Status.Message)
		n += 2
	}
	if changes.ModelConfig != nil {
		set += fmt.Sprintf(", model_config = $%d", n)
		args = append(args, changes.ModelConfig)
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE metrics SET `+set+` WHERE id = $1 AND status = $2`, args...)
	if err != nil {
		return false, fmt.Errorf("storage: update metric for status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetMetricStatus unconditionally forces a metric's status. Reserved for the
// Error transition, which is reachable from any state.
func (db *DB) SetMetricStatus(ctx context.Context, id uuid.UUID, next model.Status) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE metrics SET status = $1, status_message = $2, updated_at = now() WHERE id = $3`,
		int(next.Code), next.Message, id,
	)
	if err != nil {
		return fmt.Errorf("storage: set metric status: %w", err)
	}
	return nil
}

// GetMetricDataCount returns the number of stored samples for a metric.
func (db *DB) GetMetricDataCount(ctx context.Context, id uuid.UUID) (int64, error) {
	var count int64
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM metric_data WHERE metric_id = $1`, id).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: metric data count: %w", err)
	}
	return count, nil
}

// GetMetricStats returns the min/max over a metric's stored values.
// Returns ErrStatsNotAvailable when no samples are stored yet.
func (db *DB) GetMetricStats(ctx context.Context, id uuid.UUID) (model.MetricStats, error) {
	var minV, maxV *float64
	err := db.pool.QueryRow(ctx,
		`SELECT MIN(value), MAX(value) FROM metric_data WHERE metric_id = $1`, id).
		Scan(&minV, &maxV)
	if err != nil {
		return model.MetricStats{}, fmt.Errorf("storage: metric stats: %w", err)
	}
	if minV == nil || maxV == nil {
		return model.MetricStats{}, ErrStatsNotAvailable
	}
	return model.MetricStats{Min: *minV, Max: *maxV}, nil
}

func scanMetric(row pgx.Row) (model.Metric, error) {
	var m model.Metric
	var status int
	var createdAt, updatedAt time.Time
	err := row.Scan(
		&m.ID, &m.Datasource, &m.Name, &m.Server, &m.Unit, &m.PollInterval,
		&m.ModelConfig, &m.LastRowID, &status, &m.Status.Message,
		&createdAt, &updatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Metric{}, ErrNotFound
	}
	if err != nil {
		return model.Metric{}, fmt.Errorf("storage: scan metric: %w", err)
	}
	m.Status.Code = model.StatusCode(status)
	m.CreatedAt = createdAt
	m.UpdatedAt = updatedAt
	return m, nil
}
