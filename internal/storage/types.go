package storage

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrClosed   = errors.New("storage closed")
	ErrEmptyKey = errors.New("storage key is empty")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process map, nothing survives a restart
//   - "file": snapshot + journal files next to Path
//   - "sqlite": SQLite database file at Path
//
// An empty Driver selects "memory".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// CompactEvery is the number of journal writes between file compactions.
	CompactEvery int
}

// journalRecord is one line of the file driver journal.
type journalRecord struct {
	Op    string                     `json:"op"` // set, remove, clear
	Items map[string]json.RawMessage `json:"items,omitempty"`
	Keys  []string                   `json:"keys,omitempty"`
}

const (
	opSet    = "set"
	opRemove = "remove"
	opClear  = "clear"
)
