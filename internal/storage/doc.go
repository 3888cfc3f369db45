// Package storage persists per-channel state between process restarts.
//
// Drivers:
//   - file: one JSON document per channel, written via temp file + rename
//   - sqlite: modernc.org/sqlite, one row per channel
//   - postgres: lib/pq, one row per channel
//   - memory: no durability (cache disabled)
//
// Every driver stores the same snapshot document, so a malformed entry
// degrades to Offline the same way regardless of backend.
package storage
