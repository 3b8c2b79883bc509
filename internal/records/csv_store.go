package records

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

var ErrStoreClosed = errors.New("record store is closed")

// CSVStore appends records as CSV rows to a single file. Each row is encoded in
// memory and written with one write call under the store lock.
type CSVStore struct {
	mu   sync.Mutex
	file *os.File
	path string
}

var _ Store = (*CSVStore)(nil)

func NewCSVStore(path string, withHeader bool) (*CSVStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open record file %s: %w", path, err)
	}

	store := &CSVStore{file: file, path: path}

	if withHeader {
		info, err := file.Stat()
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to stat record file %s: %w", path, err)
		}
		if info.Size() == 0 {
			if err := store.writeRow(Columns); err != nil {
				file.Close()
				return nil, err
			}
		}
	}

	slog.Info("csv record store opened", "path", path)
	return store, nil
}

func (s *CSVStore) Path() string {
	return s.path
}

// Append writes the row regardless of ctx: a write is never abandoned half way.
func (s *CSVStore) Append(ctx context.Context, record LogRecord) error {
	return s.writeRow(record.Row())
}

func (s *CSVStore) writeRow(row []string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(row); err != nil {
		return fmt.Errorf("error encoding csv row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("error encoding csv row: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return ErrStoreClosed
	}
	if _, err := s.file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("error writing to %s: %w", s.path, err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("error syncing %s: %w", s.path, err)
	}
	return nil
}

func (s *CSVStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
