package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flemzord/ctxbudget/internal/stats"
)

// tsLayout is fixed width so lexical order in SQLite matches time order.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

// Index is a queryable copy of the stats log.
type Index struct {
	db   *sql.DB
	path string
}

// Path returns the database file path.
func (x *Index) Path() string { return x.path }

// Ping checks the database connection.
func (x *Index) Ping(ctx context.Context) error {
	if err := x.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite: ping: %w", err)
	}
	return nil
}

// Insert stores one record.
func (x *Index) Insert(ctx context.Context, r stats.Record) error {
	dropped := []byte("[]")
	if len(r.Dropped) > 0 {
		var err error
		dropped, err = json.Marshal(r.Dropped)
		if err != nil {
			return fmt.Errorf("sqlite: marshal dropped: %w", err)
		}
	}

	_, err := x.db.ExecContext(ctx, `
		INSERT INTO context_stats (
			ts, request_id, model, query_preview,
			tokens_before, tokens_after, compression_ratio, efficiency_score,
			budget_used, chunks_original, chunks_kept, dropped
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		formatTS(r.Timestamp), r.RequestID, r.Model, r.QueryPreview,
		r.TokensBefore, r.TokensAfter, r.CompressionRatio, r.EfficiencyScore,
		r.BudgetUsed, r.ChunksOriginal, r.ChunksKept, string(dropped),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert record: %w", err)
	}
	return nil
}

// Records returns the records at or after since in insertion order.
func (x *Index) Records(ctx context.Context, since time.Time) ([]stats.Record, error) {
	rows, err := x.db.QueryContext(ctx, `
		SELECT ts, request_id, model, query_preview,
		       tokens_before, tokens_after, compression_ratio, efficiency_score,
		       budget_used, chunks_original, chunks_kept, dropped
		FROM context_stats
		WHERE ts >= ?
		ORDER BY id`,
		formatTS(since),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []stats.Record
	for rows.Next() {
		var (
			r       stats.Record
			ts      string
			dropped string
		)
		if err := rows.Scan(
			&ts, &r.RequestID, &r.Model, &r.QueryPreview,
			&r.TokensBefore, &r.TokensAfter, &r.CompressionRatio, &r.EfficiencyScore,
			&r.BudgetUsed, &r.ChunksOriginal, &r.ChunksKept, &dropped,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scan record: %w", err)
		}
		r.Timestamp, err = time.Parse(tsLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("sqlite: parse timestamp %q: %w", ts, err)
		}
		if err := json.Unmarshal([]byte(dropped), &r.Dropped); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal dropped: %w", err)
		}
		if len(r.Dropped) == 0 {
			r.Dropped = nil
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate records: %w", err)
	}
	return out, nil
}

// Aggregate computes the dashboard view of the records at or after since
// without loading them.
func (x *Index) Aggregate(ctx context.Context, since time.Time) (stats.Aggregate, error) {
	var a stats.Aggregate
	err := x.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(AVG(compression_ratio), 0),
		       COALESCE(AVG(efficiency_score), 0),
		       COALESCE(SUM(tokens_before - tokens_after), 0)
		FROM context_stats
		WHERE ts >= ?`,
		formatTS(since),
	).Scan(&a.TotalRequests, &a.AvgCompressionRatio, &a.AvgEfficiencyScore, &a.TotalTokensSaved)
	if err != nil {
		return stats.Aggregate{}, fmt.Errorf("sqlite: aggregate: %w", err)
	}
	return a, nil
}

// ModelStats returns the per-model averages of the records at or after since.
func (x *Index) ModelStats(ctx context.Context, since time.Time) (map[string]stats.Aggregate, error) {
	rows, err := x.db.QueryContext(ctx, `
		SELECT model, COUNT(*), AVG(compression_ratio), AVG(efficiency_score),
		       SUM(tokens_before - tokens_after)
		FROM context_stats
		WHERE ts >= ?
		GROUP BY model`,
		formatTS(since),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query model stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]stats.Aggregate)
	for rows.Next() {
		var (
			model string
			a     stats.Aggregate
		)
		if err := rows.Scan(&model, &a.TotalRequests, &a.AvgCompressionRatio, &a.AvgEfficiencyScore, &a.TotalTokensSaved); err != nil {
			return nil, fmt.Errorf("sqlite: scan model stats: %w", err)
		}
		out[model] = a
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate model stats: %w", err)
	}
	return out, nil
}

// Prune deletes the records older than before and reports how many went.
func (x *Index) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := x.db.ExecContext(ctx, "DELETE FROM context_stats WHERE ts < ?", formatTS(before))
	if err != nil {
		return 0, fmt.Errorf("sqlite: prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: prune: %w", err)
	}
	return n, nil
}

// Stop closes the database.
func (x *Index) Stop(_ context.Context) error {
	return x.Close()
}

// Close closes the database.
func (x *Index) Close() error {
	if err := x.db.Close(); err != nil {
		return fmt.Errorf("sqlite: close: %w", err)
	}
	return nil
}

var _ stats.Source = (*Index)(nil)
