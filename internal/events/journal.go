package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Journal is an append-only NDJSON file of events. It is the local activity
// log and implements Sink.
type Journal struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	lastSeq uint64
	closed  bool
}

// OpenJournal opens (or creates) the journal at path and scans it for the
// last sequence number.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	j := &Journal{path: path}
	events, err := j.readAll()
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		if e.Seq > j.lastSeq {
			j.lastSeq = e.Seq
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	j.file = f
	return j, nil
}

// Append writes one event as a JSON line.
func (j *Journal) Append(e *Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return fmt.Errorf("journal %s is closed", j.path)
	}
	if _, err := j.file.Write(data); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	if e.Seq > j.lastSeq {
		j.lastSeq = e.Seq
	}
	return nil
}

// Read returns every event with Seq >= fromSeq. Malformed lines are skipped.
func (j *Journal) Read(fromSeq uint64) ([]*Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	all, err := j.readAll()
	if err != nil {
		return nil, err
	}
	out := make([]*Event, 0, len(all))
	for _, e := range all {
		if e.Seq >= fromSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

func (j *Journal) readAll() ([]*Event, error) {
	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	var events []*Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		e, err := Unmarshal(line)
		if err != nil {
			continue // Skip malformed lines
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	return events, nil
}

// LastSeq returns the highest sequence number written to the journal.
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastSeq
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// Close closes the journal. It is safe to call more than once.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.file.Close()
}
