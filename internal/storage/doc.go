// Package storage persists agent and job execution history.
//
// Two drivers are available:
//   - file: append-only JSON Lines, compacted to the newest MaxEntries
//   - sqlite: a single SQLite database file (pure Go driver)
//
// Storage is optional. Open returns (nil, nil) when it is disabled and every
// caller treats a nil Store as "do not persist".
package storage
