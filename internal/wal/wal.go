package wal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/carbon-oracle/sorbent/internal/api"
)

// SampleWAL journals every raw sensor sample before the slower store path
// sees it, giving the at-least-once persistence contract a crash-recovery
// floor.
type SampleWAL struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewSampleWAL creates or opens the daily sample journal under dirPath.
func NewSampleWAL(dirPath string) (*SampleWAL, error) {
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	walPath := filepath.Join(dirPath, fmt.Sprintf("samples-%s.wal", time.Now().Format("20060102")))

	file, err := os.OpenFile(walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	return &SampleWAL{
		file: file,
		path: walPath,
	}, nil
}

// Append writes one sample as a JSON line with fsync.
func (w *SampleWAL) Append(sample api.SensorSample) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to marshal sample: %w", err)
	}

	if _, err := w.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write WAL entry: %w", err)
	}

	// fsync so a crash between here and the store write loses nothing.
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	return nil
}

// Close flushes and closes the journal.
func (w *SampleWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}

// Path returns the active journal file path.
func (w *SampleWAL) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

// Replay reads all samples from a journal file, skipping malformed lines.
func Replay(walPath string) ([]api.SensorSample, error) {
	file, err := os.Open(walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var samples []api.SensorSample
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var s api.SensorSample
		if err := json.Unmarshal(scanner.Bytes(), &s); err != nil {
			continue // skip malformed lines
		}
		samples = append(samples, s)
	}
	return samples, scanner.Err()
}

// Rotate closes the current journal and opens a fresh daily file, returning
// the new journal and the old file path.
func Rotate(dirPath string, current *SampleWAL) (*SampleWAL, string, error) {
	current.mu.Lock()
	oldPath := current.path
	current.mu.Unlock()

	if err := current.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close current WAL: %w", err)
	}

	next, err := NewSampleWAL(dirPath)
	if err != nil {
		return nil, "", err
	}
	return next, oldPath, nil
}
