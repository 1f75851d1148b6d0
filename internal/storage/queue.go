package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/nagare/internal/model"
)

// claimLockWindow is how long a claimed batch stays invisible to other
// consumers. Must exceed the consumer's per-batch processing timeout so a
// slow consumer is not raced by a second one; an expired window means the
// batch is redelivered (at-least-once).
const claimLockWindow = 60 * time.Second

// EnqueueSamples appends inbound messages to the ingest queue using COPY.
// Producers never block on consumer progress.
func (db *DB) EnqueueSamples(ctx context.Context, msgs []model.IngestMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	rows := make([][]any, len(msgs))
	for i, m := range msgs {
		rows[i] = []any{m.Datasource, m.MetricName, m.Timestamp, m.Value}
	}
	_, err := db.pool.CopyFrom(
		ctx,
		pgx.Identifier{"ingest_queue"},
		[]string{"datasource", "metric_name", "ts", "value"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("storage: enqueue samples: %w", err)
	}
	return nil
}

// ClaimBatch claims up to limit pending queue messages, locking them for
// claimLockWindow. SKIP LOCKED keeps concurrent consumers from contending on
// the same rows. Returns messages in arrival order.
func (db *DB) ClaimBatch(ctx context.Context, limit int) ([]model.IngestMessage, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, datasource, metric_name, ts, value
		 FROM ingest_queue
		 WHERE locked_until IS NULL OR locked_until < now()
		 ORDER BY id ASC
		 LIMIT $1
		 FOR UPDATE SKIP LOCKED`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: select pending: %w", err)
	}

	msgs, err := scanQueueMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE ingest_queue SET locked_until = now() + $1::interval WHERE id = ANY($2)`,
		claimLockWindow.String(), ids,
	); err != nil {
		return nil, fmt.Errorf("storage: lock claimed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit claim: %w", err)
	}
	return msgs, nil
}

// AckMessages removes successfully processed messages from the queue.
func (db *DB) AckMessages(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := db.pool.Exec(ctx,
		`DELETE FROM ingest_queue WHERE id = ANY($1)`, ids,
	); err != nil {
		return fmt.Errorf("storage: ack messages: %w", err)
	}
	return nil
}

// NackMessages records a processing failure and schedules redelivery with
// exponential backoff (2^attempts seconds, capped at 5 minutes).
func (db *DB) NackMessages(ctx context.Context, ids []int64, errMsg string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := db.pool.Exec(ctx,
		`UPDATE ingest_queue
		 SET attempts = attempts + 1,
		     last_error = $1,
		     locked_until = now() + LEAST(POWER(2, attempts + 1), 300) * interval '1 second'
		 WHERE id = ANY($2)`,
		errMsg, ids,
	); err != nil {
		return fmt.Errorf("storage: nack messages: %w", err)
	}
	return nil
}

// QueueDepth returns the number of pending (unlocked) queue messages.
// Used by the ingress server's observable gauge.
func (db *DB) QueueDepth(ctx context.Context) (int64, error) {
	var depth int64
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM ingest_queue WHERE locked_until IS NULL OR locked_until < now()`,
	).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("storage: queue depth: %w", err)
	}
	return depth, nil
}

func scanQueueMessages(rows pgx.Rows) ([]model.IngestMessage, error) {
	defer rows.Close()
	var msgs []model.IngestMessage
	for rows.Next() {
		var m model.IngestMessage
		if err := rows.Scan(&m.ID, &m.Datasource, &m.MetricName, &m.Timestamp, &m.Value); err != nil {
			return nil, fmt.Errorf("storage: scan queue message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
