// Package storage holds the SQL plumbing shared by every store.
//
// Stores accept a DBTX so the same method runs against a pool or inside a
// caller's transaction. Subpackage postgres owns the connection manager and
// migrations; testdb provides an in-memory SQLite database with the same
// tables for tests.
package storage
