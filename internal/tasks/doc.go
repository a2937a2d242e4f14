// Package tasks provides the task database and the function tools the
// assistant uses to manage it.
//
// # Tools
//
// Executor exposes six tools: create_task, list_tasks, get_task, update_task,
// delete_task and task_summary. Every call runs inside its own transaction,
// opened and committed or rolled back within Execute. Failures are returned
// as a textual "Error: ..." result and never abort the turn.
//
// # Storage
//
// Tasks live in their own SQLite database, separate from conversation
// history, opened with the cgo github.com/mattn/go-sqlite3 driver.
package tasks
