// Package snapshotcache keeps the last good result set of live queries so a
// client can keep showing data while the document store is unreachable.
package snapshotcache

import (
	"context"
	"sync"
	"time"

	"storyforge/pkg/docstore"
)

// Entry is one cached result set.
type Entry struct {
	Records []docstore.Record `json:"records"`
	SavedAt time.Time         `json:"savedAt"`
}

// Cache stores entries by query key.
type Cache interface {
	Load(ctx context.Context, key string) (Entry, bool, error)
	Save(ctx context.Context, key string, records []docstore.Record) error
	Delete(ctx context.Context, key string) error
}

// Memory is a process-local Cache.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry), now: time.Now}
}

func (m *Memory) Load(_ context.Context, key string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	return Entry{Records: cloneRecords(entry.Records), SavedAt: entry.SavedAt}, true, nil
}

func (m *Memory) Save(_ context.Context, key string, records []docstore.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = Entry{Records: cloneRecords(records), SavedAt: m.now().UTC()}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func cloneRecords(records []docstore.Record) []docstore.Record {
	out := make([]docstore.Record, len(records))
	for i, r := range records {
		out[i] = docstore.Record{ID: r.ID, Fields: docstore.CloneFields(r.Fields)}
	}
	return out
}
