package reporter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"wexplore/internal/model"
)

// JSONLReporter appends one JSON object per cycle to a file.
type JSONLReporter struct {
	path string

	mu   sync.Mutex
	file *os.File
}

func NewJSONLReporter(path string) *JSONLReporter {
	return &JSONLReporter{path: path}
}

func (r *JSONLReporter) Name() string { return "jsonl" }

func (r *JSONLReporter) Path() string { return r.path }

func (r *JSONLReporter) Init(_ context.Context, _ RunInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.path == "" {
		return errors.New("jsonl reporter path is required")
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create jsonl dir: %w", err)
	}
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open jsonl: %w", err)
	}
	r.file = f
	return nil
}

func (r *JSONLReporter) Report(_ context.Context, record model.CycleRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode cycle %d: %w", record.Cycle, err)
	}
	data = append(data, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return errors.New("jsonl reporter is not initialized")
	}
	_, err = r.file.Write(data)
	return err
}

func (r *JSONLReporter) Cleanup(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
