package store

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/claude-flow/maml-ppo/internal/infrastructure/metrics"
)

// MetricRow is one persisted diagnostic value.
type MetricRow struct {
	RunID  string  `json:"runId"`
	Update int     `json:"update"`
	Key    string  `json:"key"`
	Value  float64 `json:"value"`
}

// MetricsStore is a metrics.Sink that writes every dumped value as a row
// keyed by run, update and key.
type MetricsStore struct {
	metrics.Pending
	db    *DB
	runID string
	dumps int
}

// NewMetricsStore creates a sink writing the rows of runID.
func NewMetricsStore(db *DB, runID string) *MetricsStore {
	return &MetricsStore{db: db, runID: runID}
}

// Dump writes the buffered values in one transaction. The update column is
// the value logged under metrics.StepKey, or the dump count when absent.
func (s *MetricsStore) Dump(ctx context.Context) error {
	record := s.Drain()
	s.dumps++
	if len(record) == 0 {
		return nil
	}
	update := metrics.Step(record)
	if update < 0 {
		update = s.dumps
	}

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin metrics transaction: %w", err)
	}
	defer tx.Rollback()

	query := s.db.Rebind(`
		INSERT INTO metrics (run_id, update_num, key, value, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (run_id, update_num, key) DO UPDATE SET value = excluded.value, created_at = excluded.created_at`)
	now := time.Now().UnixMilli()
	for _, kv := range record {
		var value interface{} = kv.Value
		if math.IsNaN(kv.Value) || math.IsInf(kv.Value, 0) {
			value = nil
		}
		if _, err := tx.ExecContext(ctx, query, s.runID, update, kv.Key, value, now); err != nil {
			return fmt.Errorf("failed to write metric %s: %w", kv.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit metrics: %w", err)
	}
	return nil
}

// Rows returns the stored rows of a run ordered by update and key. Values
// stored as NULL read back as NaN.
func (s *MetricsStore) Rows(ctx context.Context, runID string) ([]MetricRow, error) {
	rows, err := s.db.Query(ctx, `
		SELECT run_id, update_num, key, value FROM metrics
		WHERE run_id = ? ORDER BY update_num, key`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}
	defer rows.Close()

	var out []MetricRow
	for rows.Next() {
		var (
			r     MetricRow
			value *float64
		)
		if err := rows.Scan(&r.RunID, &r.Update, &r.Key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan metric: %w", err)
		}
		r.Value = math.NaN()
		if value != nil {
			r.Value = *value
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}
	return out, nil
}
