// Package stores provides the persistence layer for Cascade. It includes
// SQLite-based storage with WAL mode, connection pooling, and schema
// migrations for runs, stage attempt records, environment snapshots,
// diagnostic sessions, and the append-only event log.
package stores
