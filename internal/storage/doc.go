// Package storage implements the durable key-value store the decision manager
// persists into.
//
// Values are opaque JSON documents addressed by key. Drivers:
//   - "memory": process-local map (tests, ephemeral runs)
//   - "file":   JSON snapshot + append-only journal, compacted periodically
//   - "sqlite": single kv table in a SQLite database file
//
// Every operation may fail; errors are returned to the caller and never dropped.
package storage
