package health

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Writer maintains a small JSON heartbeat file for liveness probes. Every
// state change rewrites the whole file via write-to-temp-then-rename so a
// reader never observes a partial write.
type Writer struct {
	path string
	now  func() time.Time

	mu           sync.Mutex
	lastPollTS   *time.Time
	lastUploadTS *time.Time
	spoolCount   int64
}

type status struct {
	LastPollTS   *time.Time `json:"last_poll_ts"`
	LastUploadTS *time.Time `json:"last_upload_ts"`
	SpoolCount   int64      `json:"spool_count"`
}

func NewWriter(path string) *Writer {
	return &Writer{path: path, now: time.Now}
}

// RecordPoll stamps a poll attempt and rewrites the file.
func (w *Writer) RecordPoll() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	ts := w.now().UTC()
	w.lastPollTS = &ts
	return w.write()
}

// RecordUpload stamps a successful upload and rewrites the file.
func (w *Writer) RecordUpload() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	ts := w.now().UTC()
	w.lastUploadTS = &ts
	return w.write()
}

// SetSpoolCount updates the pending-sample count and rewrites the file.
func (w *Writer) SetSpoolCount(count int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.spoolCount = count
	return w.write()
}

func (w *Writer) write() error {
	data, err := json.Marshal(status{
		LastPollTS:   w.lastPollTS,
		LastUploadTS: w.lastUploadTS,
		SpoolCount:   w.spoolCount,
	})
	if err != nil {
		return fmt.Errorf("failed to encode health status: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(w.path), ".health-*")
	if err != nil {
		return fmt.Errorf("failed to create health temp file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write health file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close health temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), w.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace health file: %w", err)
	}
	return nil
}
