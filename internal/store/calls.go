// ABOUTME: External call log stored in the external_calls table.
// ABOUTME: One row per dispatched call with its outcome and latency.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/2389/vox-gateway/internal/functions"
	"github.com/2389/vox-gateway/internal/protocol"
)

// SaveCall appends one dispatch outcome.
func (s *SQLiteStore) SaveCall(ctx context.Context, rec functions.CallRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO external_calls (
			call_id, function_name, mode, success, error_code, error_message, duration_ms, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.CallID,
		rec.FunctionName,
		string(rec.Mode),
		rec.Success,
		nullable(string(rec.ErrorCode)),
		nullable(rec.ErrorMessage),
		rec.Duration.Milliseconds(),
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting external call: %w", err)
	}

	s.logger.Debug("saved external call",
		"call_id", rec.CallID,
		"function", rec.FunctionName,
		"success", rec.Success,
	)
	return nil
}

// ListCalls returns the newest calls first.
func (s *SQLiteStore) ListCalls(ctx context.Context, filter CallFilter) ([]functions.CallRecord, error) {
	query := `
		SELECT call_id, function_name, mode, success, error_code, error_message, duration_ms, started_at
		FROM external_calls
	`
	var args []any
	if filter.FunctionName != "" {
		query += ` WHERE function_name = ?`
		args = append(args, filter.FunctionName)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, clampLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying external calls: %w", err)
	}
	defer rows.Close()

	calls := []functions.CallRecord{}
	for rows.Next() {
		var (
			rec        functions.CallRecord
			mode       string
			code, msg  sql.NullString
			durationMs int64
			startedAt  string
		)
		if err := rows.Scan(&rec.CallID, &rec.FunctionName, &mode, &rec.Success, &code, &msg, &durationMs, &startedAt); err != nil {
			return nil, fmt.Errorf("scanning external call: %w", err)
		}
		rec.Mode = functions.Mode(mode)
		rec.ErrorCode = protocol.ErrorCode(code.String)
		rec.ErrorMessage = msg.String
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		if rec.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		calls = append(calls, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating external calls: %w", err)
	}
	return calls, nil
}
