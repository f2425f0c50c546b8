// Package runmemory provides the durable, per-run RunRecord store: one
// JSON file per run plus an append-only JSONL index used as a fallback
// scan path. All metadata merges happen under a single global lock,
// matching the source's coarse-grained but simple concurrency model —
// the orchestrator only ever has a handful of in-flight runs, so lock
// contention here is not a bottleneck.
package runmemory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Record is the durable per-run plan + metadata document.
type Record struct {
	RunID    string         `json:"run_id"`
	Plan     map[string]any `json:"plan"`
	Metadata map[string]any `json:"metadata"`
}

// Memory is the JSONL/JSON-backed run record store.
type Memory struct {
	baseDir   string
	indexPath string
	mu        sync.Mutex
}

// New returns a Memory rooted at baseDir, creating it if necessary.
func New(baseDir string) (*Memory, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("runmemory: create base dir: %w", err)
	}
	return &Memory{
		baseDir:   baseDir,
		indexPath: filepath.Join(baseDir, "runs.jsonl"),
	}, nil
}

// RegisterPlan writes both a per-run file and appends one line to the
// runs-index file.
func (m *Memory) RegisterPlan(runID string, plan map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record := Record{RunID: runID, Plan: plan, Metadata: map[string]any{}}
	if err := m.appendIndex(record); err != nil {
		return err
	}
	return m.writeRecord(record)
}

// Get returns a snapshot of the run record, preferring the per-run file
// and falling back to a linear scan of the index. Returns (nil, nil) if
// the run is unknown.
func (m *Memory) Get(runID string) (*Record, error) {
	return m.get(runID)
}

func (m *Memory) get(runID string) (*Record, error) {
	path := m.recordPath(runID)
	if data, err := os.ReadFile(path); err == nil {
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, fmt.Errorf("runmemory: decode %s: %w", path, err)
		}
		record.RunID = runID
		if record.Plan == nil {
			record.Plan = map[string]any{}
		}
		if record.Metadata == nil {
			record.Metadata = map[string]any{}
		}
		return &record, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("runmemory: read %s: %w", path, err)
	}

	f, err := os.Open(m.indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("runmemory: open index: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var record Record
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		if record.RunID == runID {
			if record.Plan == nil {
				record.Plan = map[string]any{}
			}
			if record.Metadata == nil {
				record.Metadata = map[string]any{}
			}
			return &record, nil
		}
	}
	return nil, nil
}

// UpdateMetadata performs a read-modify-write under the global lock,
// shallow-merging updates into the record's metadata. Missing records
// are created on demand.
func (m *Memory) UpdateMetadata(runID string, updates map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, err := m.get(runID)
	if err != nil {
		return err
	}
	if record == nil {
		record = &Record{RunID: runID, Plan: map[string]any{}, Metadata: map[string]any{}}
	}
	for k, v := range updates {
		record.Metadata[k] = v
	}
	return m.writeRecord(*record)
}

// All returns a snapshot of every run record persisted under baseDir, by
// globbing the per-run JSON files directly rather than trusting the
// index (which UpdateMetadata never appends to). Used by the scheduler's
// idempotency scan over completed runs.
func (m *Memory) All() ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(m.baseDir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("runmemory: glob run records: %w", err)
	}
	records := make([]Record, 0, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			continue
		}
		if record.Metadata == nil {
			record.Metadata = map[string]any{}
		}
		if record.Plan == nil {
			record.Plan = map[string]any{}
		}
		records = append(records, record)
	}
	return records, nil
}

func (m *Memory) appendIndex(record Record) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("runmemory: marshal index record: %w", err)
	}
	f, err := os.OpenFile(m.indexPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("runmemory: open index: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("runmemory: append index: %w", err)
	}
	return nil
}

// writeRecord persists the per-run file via a temp-file-then-rename, an
// improvement on the source's direct overwrite that the spec explicitly
// sanctions ("if the implementation requires durability").
func (m *Memory) writeRecord(record Record) error {
	path := m.recordPath(record.RunID)
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("runmemory: marshal record: %w", err)
	}
	tmp, err := os.CreateTemp(m.baseDir, record.RunID+".*.tmp")
	if err != nil {
		return fmt.Errorf("runmemory: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("runmemory: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("runmemory: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("runmemory: rename %s: %w", path, err)
	}
	return nil
}

func (m *Memory) recordPath(runID string) string {
	return filepath.Join(m.baseDir, runID+".json")
}
