package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// DefaultMaxEntries bounds the retained history when Config.MaxEntries is 0.
const DefaultMaxEntries = 10000

// Config configures storage.
//
// Driver values:
//   - "file" or "jsonl": JSON Lines file
//   - "sqlite" or "sqlite3": SQLite database file
//
// If Driver is empty, "none", "off" or "disabled", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxEntries  int
}

func (c Config) maxEntries() int {
	if c.MaxEntries <= 0 {
		return DefaultMaxEntries
	}
	return c.MaxEntries
}

type Kind string

const (
	KindAgent Kind = "agent"
	KindJob   Kind = "job"
)

// Execution is one recorded agent execution or job run outcome.
// Keep it compact and schema-stable.
type Execution struct {
	At       time.Time     `json:"at"`
	Kind     Kind          `json:"kind"`
	Name     string        `json:"name"`
	ID       string        `json:"id"`
	Status   string        `json:"status"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Store is the persistence API used by the recorder and the CLI.
type Store interface {
	AppendExecution(ctx context.Context, e Execution) error
	// RecentExecutions returns at most limit entries, newest first.
	RecentExecutions(ctx context.Context, limit int) ([]Execution, error)
	Close() error
}
