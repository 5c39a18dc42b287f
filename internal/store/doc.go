// Package store provides SQLite-backed durable record logs.
//
// A store holds any number of named streams. Each stream is an append-only
// sequence of opaque payloads ordered by a per-stream seq starting at 1.
// OpenLog exposes a stream as a recordlog.Log, so chain views and ledgers
// can persist their history here instead of in flat files.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Records must belong to a registered stream
package store
