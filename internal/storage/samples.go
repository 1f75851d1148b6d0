package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/nagare/internal/model"
)

// AddMetricData persists scrubbed samples and assigns their rowids.
// Rowid assignment and insertion happen in one transaction: the metric row's
// last_rowid watermark is advanced first (which also serializes concurrent
// writers on the metric row), then the samples are COPY-inserted with the
// reserved rowids. Returns the stored rows ordered by rowid.
func (db *DB) AddMetricData(ctx context.Context, metricID uuid.UUID, samples []model.Sample) ([]model.MetricData, error) {
	if len(samples) == 0 {
		return nil, nil
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin add metric data: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var lastRowID int64
	err = tx.QueryRow(ctx,
		`UPDATE metrics SET last_rowid = last_rowid + $1, updated_at = now()
		 WHERE id = $2
		 RETURNING last_rowid`,
		len(samples), metricID,
	).Scan(&lastRowID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: reserve rowids: %w", err)
	}

	firstRowID := lastRowID - int64(len(samples)) + 1
	stored := make([]model.MetricData, len(samples))
	rows := make([][]any, len(samples))
	for i, s := range samples {
		rowID := firstRowID + int64(i)
		stored[i] = model.MetricData{
			MetricID:  metricID,
			RowID:     rowID,
			Timestamp: s.Timestamp,
			Value:     s.Value,
		}
		rows[i] = []any{metricID, rowID, s.Timestamp, s.Value}
	}

	// Dedicated COPY timeout so a hung Postgres cannot stall the ingress
	// loop indefinitely.
	copyCtx, copyCancel := context.WithTimeout(ctx, 30*time.Second)
	_, err = tx.CopyFrom(
		copyCtx,
		pgx.Identifier{"metric_data"},
		[]string{"metric_id", "rowid", "ts", "value"},
		pgx.CopyFromRows(rows),
	)
	copyCancel()
	if err != nil {
		return nil, fmt.Errorf("storage: copy metric data: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit add metric data: %w", err)
	}
	return stored, nil
}

// GetMetricData returns stored samples with rowid >= fromRowID, ordered by
// rowid. limit <= 0 defaults to 10000.
func (db *DB) GetMetricData(ctx context.Context, metricID uuid.UUID, fromRowID int64, limit int) ([]model.MetricData, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := db.pool.Query(ctx,
		`SELECT metric_id, rowid, ts, value, raw_anomaly, anomaly_score, display_value
		 FROM metric_data
		 WHERE metric_id = $1 AND rowid >= $2
		 ORDER BY rowid ASC
		 LIMIT $3`,
		metricID, fromRowID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get metric data: %w", err)
	}
	defer rows.Close()

	var out []model.MetricData
	for rows.Next() {
		var d model.MetricData
		if err := rows.Scan(&d.MetricID, &d.RowID, &d.Timestamp, &d.Value,
			&d.RawAnomaly, &d.AnomalyScore, &d.DisplayValue); err != nil {
			return nil, fmt.Errorf("storage: scan metric data: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetLastSampleTimestamp returns the timestamp of the newest stored sample
// for a metric, or ErrNotFound when nothing is stored. The rowid index makes
// this a single-row lookup off the metric's last_rowid watermark.
func (db *DB) GetLastSampleTimestamp(ctx context.Context, metricID uuid.UUID) (time.Time, error) {
	var ts time.Time
	err := db.pool.QueryRow(ctx,
		`SELECT ts FROM metric_data WHERE metric_id = $1 ORDER BY rowid DESC LIMIT 1`,
		metricID).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("storage: last sample timestamp: %w", err)
	}
	return ts, nil
}

// UpdateAnomalyScores writes raw anomaly scores and computed likelihoods onto
// already-stored rows, keyed by rowid. Scores are write-once: a row whose
// anomaly_score is already set keeps it, so a redelivered batch cannot
// rewrite rows that were scored under an earlier distribution.
func (db *DB) UpdateAnomalyScores(ctx context.Context, metricID uuid.UUID, scored []model.MetricData) error {
	if len(scored) == 0 {
		return nil
	}
	rowIDs := make([]int64, len(scored))
	raw := make([]*float64, len(scored))
	likelihood := make([]*float64, len(scored))
	display := make([]*float64, len(scored))
	for i, d := range scored {
		rowIDs[i] = d.RowID
		raw[i] = d.RawAnomaly
		likelihood[i] = d.AnomalyScore
		display[i] = d.DisplayValue
	}

	// Two in-flight result batches can touch overlapping rowids on
	// redelivery; retry the deadlock loser instead of surfacing it.
	err := WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		_, err := db.pool.Exec(ctx,
			`UPDATE metric_data AS md
			 SET raw_anomaly   = COALESCE(md.raw_anomaly, u.raw),
			     anomaly_score = COALESCE(md.anomaly_score, u.score),
			     display_value = COALESCE(md.display_value, u.display)
			 FROM (
			   SELECT unnest($2::bigint[]) AS rowid,
			          unnest($3::float8[]) AS raw,
			          unnest($4::float8[]) AS score,
			          unnest($5::float8[]) AS display
			 ) AS u
			 WHERE md.metric_id = $1 AND md.rowid = u.rowid`,
			metricID, rowIDs, raw, likelihood, display,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: update anomaly scores: %w", err)
	}
	return nil
}
