package localfs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/kirillkom/fiscal-knowledge-engine/internal/core/domain"
)

// Manifest is a single-file source manifest used when no database is configured.
type Manifest struct {
	path string

	mu      sync.Mutex
	records map[string]domain.SourceRecord
}

func OpenManifest(path string) (*Manifest, error) {
	m := &Manifest{path: path, records: map[string]domain.SourceRecord{}}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return m, nil
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var records []domain.SourceRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	for _, rec := range records {
		m.records[rec.SourceID] = rec
	}
	return m, nil
}

func (m *Manifest) Get(_ context.Context, sourceID string) (domain.SourceRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[sourceID]
	return rec, ok, nil
}

func (m *Manifest) Put(_ context.Context, record domain.SourceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.SourceID] = record
	return m.flushLocked()
}

func (m *Manifest) flushLocked() error {
	records := make([]domain.SourceRecord, 0, len(m.records))
	for _, rec := range m.records {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].SourceID < records[j].SourceID })
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("publish manifest: %w", err)
	}
	return nil
}
