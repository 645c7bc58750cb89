// Package audit provides the append-only attempt log. One JSONL record is
// written per publish attempt; records are never rewritten or reordered, so
// the file is always safe to tail.
package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// Record is one immutable audit log line.
type Record struct {
	Timestamp   time.Time `json:"timestamp"`
	AttemptID   string    `json:"attempt_id"`
	PostID      string    `json:"post_id"`
	Status      string    `json:"status"`
	Slot        string    `json:"slot,omitempty"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Source      string    `json:"source"`
	Destination string    `json:"destination"`
	Labels      []string  `json:"labels,omitempty"`
	Reference   string    `json:"reference,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Logger appends records to a JSONL file with fsync per record.
type Logger struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewLogger opens or creates the audit log at path.
func NewLogger(path string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	return &Logger{file: file, path: path}, nil
}

// Append writes one record followed by a newline and syncs it to disk.
func (l *Logger) Append(rec *Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	data = append(data, '\n')

	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	return nil
}

// Path returns the audit log file path.
func (l *Logger) Path() string {
	return l.path
}

// Close syncs and closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadAll parses every record in the file at path, skipping malformed
// lines. Intended for tests and status reporting, not the hot path.
func ReadAll(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	var records []Record
	sc := bufio.NewScanner(file)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return records, fmt.Errorf("read audit log: %w", err)
	}
	return records, nil
}
