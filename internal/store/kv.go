// Package store persists the engine's per-task state (countdown timers,
// proximity flags) and the last known position so that tracking resumes
// correctly after the host process is killed.
//
// Persistence is split in two layers. KV is a small key-value contract with
// file, SQLite and in-memory backends. Records sits on top and stores exactly
// one versioned JSON envelope per task per concern, so a task's timer state is
// always written and read as a unit.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotFound is returned by KV.Get for a missing key.
	ErrNotFound = errors.New("key not found")

	// ErrPersistence wraps backend I/O failures. Callers treat it as a signal
	// to continue in memory.
	ErrPersistence = errors.New("persistence error")

	// ErrUnsupportedVersion marks a record written by an unknown schema.
	ErrUnsupportedVersion = errors.New("unsupported record version")
)

// Entry is a key with its stored value.
type Entry struct {
	Key   string
	Value []byte
}

// KV is the key-value contract shared by proximity mirroring and countdown
// timers. Writes are last-write-wins per key.
type KV interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key, replacing any previous value atomically.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all entries whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]Entry, error)

	// Close releases backend resources.
	Close() error
}

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Open creates a KV for the named backend. path is a directory for the file
// backend and a database file for SQLite; it is ignored for memory.
func Open(backend, path string) (KV, error) {
	switch backend {
	case BackendFile, "":
		return NewFileKV(path)
	case BackendSQLite:
		return NewSQLiteKV(path)
	case BackendMemory:
		return NewMemoryKV(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

func validateKey(key string) error {
	if key == "" {
		return errors.New("key cannot be empty")
	}
	return nil
}

func persistenceErr(op, key string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", ErrPersistence, op, key, err)
}

func sortEntries(entries []Entry) []Entry {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

func hasPrefix(key, prefix string) bool {
	return prefix == "" || strings.HasPrefix(key, prefix)
}
