package sqlite

import (
	"context"
	"strings"
	"time"

	pylon "github.com/eugener/pylon/internal"
	"github.com/eugener/pylon/internal/storage"
)

// InsertLogs appends a batch of request log rows in one transaction.
func (s *Store) InsertLogs(ctx context.Context, logs []pylon.RequestLog) error {
	if len(logs) == 0 {
		return nil
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO request_logs (api_key_id, api_identifier, request_path,
		 request_method, response_status, request_time, response_time_ms,
		 client_ip, is_sse, sse_message_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, l := range logs {
		if _, err := stmt.ExecContext(ctx,
			l.KeyID, l.API, l.Path, l.Method, l.Status,
			l.RequestTime.UTC().Format(time.RFC3339Nano), l.ResponseMs,
			l.ClientIP, boolToInt(l.SSE), l.SSEMessages,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteLogsBefore removes rows older than cutoff, returning the count.
func (s *Store) DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM request_logs WHERE request_time < ?`,
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// logFilterSQL builds the WHERE clause for a log filter. Times are
// compared lexically, which RFC 3339 UTC strings support.
func logFilterSQL(f storage.LogFilter) (string, []any) {
	var conds []string
	var args []any
	if !f.Start.IsZero() {
		conds = append(conds, "request_time >= ?")
		args = append(args, f.Start.UTC().Format(time.RFC3339Nano))
	}
	if !f.End.IsZero() {
		conds = append(conds, "request_time <= ?")
		args = append(args, f.End.UTC().Format(time.RFC3339Nano))
	}
	if f.KeyID != "" {
		conds = append(conds, "api_key_id = ?")
		args = append(args, f.KeyID)
	}
	if f.API != "" {
		conds = append(conds, "api_identifier = ?")
		args = append(args, f.API)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

const aggregateColumns = `COUNT(*),
 COALESCE(SUM(sse_message_count), 0),
 COALESCE(SUM(CASE WHEN response_status BETWEEN 200 AND 299 THEN 1 ELSE 0 END), 0),
 COALESCE(SUM(CASE WHEN response_status = 429 THEN 1 ELSE 0 END), 0),
 COALESCE(SUM(is_sse), 0),
 COALESCE(AVG(response_time_ms), 0)`

// AggregateLogs rolls up every row matching the filter.
func (s *Store) AggregateLogs(ctx context.Context, f storage.LogFilter) (*storage.Aggregate, error) {
	where, args := logFilterSQL(f)
	var a storage.Aggregate
	err := s.read.QueryRowContext(ctx,
		`SELECT `+aggregateColumns+` FROM request_logs`+where, args...,
	).Scan(&a.TotalRequests, &a.TotalSSEMessages, &a.SuccessCount,
		&a.RateLimitedCount, &a.SSEConnections, &a.AvgResponseMs)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// AggregateByKey rolls up matching rows per API key, busiest first.
func (s *Store) AggregateByKey(ctx context.Context, f storage.LogFilter) ([]storage.KeyAggregate, error) {
	where, args := logFilterSQL(f)
	rows, err := s.read.QueryContext(ctx,
		`SELECT api_key_id, `+aggregateColumns+` FROM request_logs`+where+
			` GROUP BY api_key_id ORDER BY COUNT(*) DESC, api_key_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.KeyAggregate
	for rows.Next() {
		var g storage.KeyAggregate
		if err := rows.Scan(&g.KeyID, &g.TotalRequests, &g.TotalSSEMessages,
			&g.SuccessCount, &g.RateLimitedCount, &g.SSEConnections, &g.AvgResponseMs); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// AggregateByAPI rolls up matching rows per API identifier, busiest first.
func (s *Store) AggregateByAPI(ctx context.Context, f storage.LogFilter) ([]storage.APIAggregate, error) {
	where, args := logFilterSQL(f)
	rows, err := s.read.QueryContext(ctx,
		`SELECT api_identifier, `+aggregateColumns+` FROM request_logs`+where+
			` GROUP BY api_identifier ORDER BY COUNT(*) DESC, api_identifier`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.APIAggregate
	for rows.Next() {
		var g storage.APIAggregate
		if err := rows.Scan(&g.API, &g.TotalRequests, &g.TotalSSEMessages,
			&g.SuccessCount, &g.RateLimitedCount, &g.SSEConnections, &g.AvgResponseMs); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
