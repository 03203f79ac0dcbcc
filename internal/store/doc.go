// Package store persists the gateway's ledger in SQLite.
//
// Two tables are kept:
//
//   - game_events: every envelope broadcast to event subscribers
//   - external_calls: the outcome of every dispatched external_call
//
// SQLiteStore is opened with WAL mode:
//
//	PRAGMA journal_mode=WAL;
//
// Writes coming from the hot path go through a Writer, which owns a bounded
// queue and a single worker goroutine. When the queue is full the record is
// dropped and counted; the ledger is best effort and never slows event
// fan-out or call dispatch.
//
// Use NewSQLiteStore(":memory:") or a path under t.TempDir() in tests.
package store
