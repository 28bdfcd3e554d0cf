package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const fileSuffix = ".json"

// FileKV stores one file per key under a base directory. Keys are
// path-escaped into flat file names, and writes go through a temp file and
// rename so a crash never leaves a half-written value behind.
type FileKV struct {
	basePath string
	mu       sync.RWMutex
}

// NewFileKV creates the base directory if needed and returns a FileKV.
func NewFileKV(basePath string) (*FileKV, error) {
	if basePath == "" {
		return nil, errors.New("file store requires a base path")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileKV{basePath: basePath}, nil
}

// keyPath returns the file that holds key.
func (s *FileKV) keyPath(key string) string {
	return filepath.Join(s.basePath, url.PathEscape(key)+fileSuffix)
}

// Get reads the file for key.
func (s *FileKV) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.keyPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, persistenceErr("read", key, err)
	}
	return data, nil
}

// Put writes value to a temp file and renames it over the key's file.
func (s *FileKV) Put(ctx context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.basePath, ".tmp-*")
	if err != nil {
		return persistenceErr("create temp for", key, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return persistenceErr("write", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return persistenceErr("sync", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return persistenceErr("close", key, err)
	}
	if err := os.Rename(tmpName, s.keyPath(key)); err != nil {
		os.Remove(tmpName)
		return persistenceErr("rename", key, err)
	}
	return nil
}

// Delete removes the key's file.
func (s *FileKV) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.keyPath(key)); err != nil && !os.IsNotExist(err) {
		return persistenceErr("delete", key, err)
	}
	return nil
}

// List scans the base directory for keys with the given prefix.
func (s *FileKV) List(ctx context.Context, prefix string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dirEntries, err := os.ReadDir(s.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, persistenceErr("list", prefix, err)
	}

	var entries []Entry
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || strings.HasPrefix(name, ".tmp-") || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, fileSuffix))
		if err != nil || !hasPrefix(key, prefix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.basePath, name))
		if err != nil {
			continue // Removed between ReadDir and ReadFile
		}
		entries = append(entries, Entry{Key: key, Value: data})
	}
	return sortEntries(entries), nil
}

// Close is a no-op for the file backend.
func (s *FileKV) Close() error {
	return nil
}
