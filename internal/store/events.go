// ABOUTME: Game event history stored in the game_events table.
// ABOUTME: Payloads are kept as JSON text and decoded on read.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/2389/vox-gateway/internal/protocol"
)

// SaveGameEvent appends one envelope to the history.
func (s *SQLiteStore) SaveGameEvent(ctx context.Context, env protocol.Envelope) error {
	var payload sql.NullString
	if env.Payload != nil {
		data, err := json.Marshal(env.Payload)
		if err != nil {
			return fmt.Errorf("encoding payload: %w", err)
		}
		payload = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO game_events (event_id, type, payload, timestamp_ms) VALUES (?, ?, ?, ?)`,
		nullable(env.ID), env.Type, payload, env.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("inserting game event: %w", err)
	}
	return nil
}

// ListGameEvents returns up to limit of the newest events in arrival order.
func (s *SQLiteStore) ListGameEvents(ctx context.Context, limit int) ([]protocol.Envelope, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, type, payload, timestamp_ms
		FROM game_events
		ORDER BY seq DESC
		LIMIT ?
	`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying game events: %w", err)
	}
	defer rows.Close()

	events := []protocol.Envelope{}
	for rows.Next() {
		var (
			env     protocol.Envelope
			id      sql.NullString
			payload sql.NullString
		)
		if err := rows.Scan(&id, &env.Type, &payload, &env.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning game event: %w", err)
		}
		env.ID = id.String
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &env.Payload); err != nil {
				return nil, fmt.Errorf("decoding payload: %w", err)
			}
		}
		events = append(events, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating game events: %w", err)
	}

	slices.Reverse(events)
	return events, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
