// Package store provides conversation persistence using SQLite.
//
// # Architecture
//
// Two interfaces split the conversation state along its two physical records:
//
//   - MessageStore: the append-only message log (user, assistant, tool_call,
//     tool_result rows)
//   - ThreadMetadataStore: one summary row per thread (title, preview,
//     counters, timestamps, active flag, last encoded state)
//
// Store combines both and adds DeleteThread. SQLiteStore implements Store on
// two tables of one database; writes to each table are independent
// transactions, so callers control the order in which they land.
//
// # Data Rules
//
//   - Messages are never updated. Timestamps never decrease within a thread.
//   - Content bytes are stored verbatim. The leading "$type" field survives
//     every read.
//   - A thread title is set at most once. The preview is replaced whenever an
//     update carries one.
//   - DeleteThread flips is_active, zeroes the counter, clears the encoded
//     state, and removes the thread's message rows. The metadata row stays.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode and a single connection:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//
// Timestamps are stored as fixed-width UTC strings so that text ordering
// matches time ordering.
//
// # Error Handling
//
//   - ErrNotFound: the thread does not exist or was deleted
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMockStore() for unit tests. It can inject append and upsert failures:
//
//	s := store.NewMockStore()
//	s.UpsertErrs = []error{errBoom, errBoom}
//
// Use NewSQLiteStore(filepath.Join(t.TempDir(), "test.db")) for integration tests.
package store
