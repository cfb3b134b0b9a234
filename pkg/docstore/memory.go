package docstore

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Op names a store operation for access rules.
type Op string

const (
	OpGet       Op = "get"
	OpSet       Op = "set"
	OpMerge     Op = "merge"
	OpAdd       Op = "add"
	OpUpdate    Op = "update"
	OpIncrement Op = "increment"
	OpDelete    Op = "delete"
	OpQuery     Op = "query"
)

// Rule decides whether an operation is allowed. Returning an error rejects it;
// the error is passed to the caller unchanged. existing is nil for queries and
// for records that do not exist yet.
type Rule func(op Op, collection, id string, existing, incoming Fields) error

// MemoryStore keeps records in-process and fans changes out to subscribers.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]Fields
	subs        map[*memorySub]struct{}
	offline     bool
	rule        Rule
}

type memorySub struct {
	query Query
	feed  *feed
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string]Fields),
		subs:        make(map[*memorySub]struct{}),
	}
}

// SetRule installs an access rule; nil allows everything.
func (m *MemoryStore) SetRule(rule Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rule = rule
}

// SetOffline simulates losing or regaining connectivity. While offline every
// call fails with ErrUnavailable and subscribers receive error snapshots.
func (m *MemoryStore) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline == offline {
		return
	}
	m.offline = offline
	for sub := range m.subs {
		m.deliverLocked(sub)
	}
}

func (m *MemoryStore) Get(_ context.Context, collection, id string) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.offline {
		return Record{}, false, ErrUnavailable
	}
	existing, ok := m.collections[collection][id]
	if err := m.checkLocked(OpGet, collection, id, existing, nil); err != nil {
		return Record{}, false, err
	}
	if !ok {
		return Record{}, false, nil
	}
	return Record{ID: id, Fields: CloneFields(existing)}, true, nil
}

func (m *MemoryStore) Set(_ context.Context, collection, id string, fields Fields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return ErrUnavailable
	}
	if err := m.checkLocked(OpSet, collection, id, m.collections[collection][id], fields); err != nil {
		return err
	}
	m.putLocked(collection, id, CloneFields(fields))
	return nil
}

func (m *MemoryStore) Merge(_ context.Context, collection, id string, fields Fields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return ErrUnavailable
	}
	existing := m.collections[collection][id]
	if err := m.checkLocked(OpMerge, collection, id, existing, fields); err != nil {
		return err
	}
	merged := CloneFields(existing)
	for k, v := range fields {
		merged[k] = cloneValue(v)
	}
	m.putLocked(collection, id, merged)
	return nil
}

func (m *MemoryStore) Add(_ context.Context, collection string, fields Fields) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return "", ErrUnavailable
	}
	id := uuid.NewString()
	if err := m.checkLocked(OpAdd, collection, id, nil, fields); err != nil {
		return "", err
	}
	m.putLocked(collection, id, CloneFields(fields))
	return id, nil
}

func (m *MemoryStore) Update(_ context.Context, collection, id string, fields Fields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return ErrUnavailable
	}
	existing, ok := m.collections[collection][id]
	if err := m.checkLocked(OpUpdate, collection, id, existing, fields); err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	merged := CloneFields(existing)
	for k, v := range fields {
		merged[k] = cloneValue(v)
	}
	m.putLocked(collection, id, merged)
	return nil
}

func (m *MemoryStore) Increment(_ context.Context, collection, id, field string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return ErrUnavailable
	}
	existing, ok := m.collections[collection][id]
	if err := m.checkLocked(OpIncrement, collection, id, existing, Fields{field: delta}); err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	updated := CloneFields(existing)
	updated[field] = toInt64(existing[field]) + delta
	m.putLocked(collection, id, updated)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return ErrUnavailable
	}
	existing, ok := m.collections[collection][id]
	if err := m.checkLocked(OpDelete, collection, id, existing, nil); err != nil {
		return err
	}
	if !ok {
		return nil
	}
	delete(m.collections[collection], id)
	m.notifyLocked(collection)
	return nil
}

func (m *MemoryStore) Query(_ context.Context, q Query) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.offline {
		return nil, ErrUnavailable
	}
	if err := m.checkLocked(OpQuery, q.Collection, "", nil, nil); err != nil {
		return nil, err
	}
	return m.queryLocked(q), nil
}

// Subscribe delivers the current result set right away and a fresh one after
// every write to the collection.
func (m *MemoryStore) Subscribe(ctx context.Context, q Query) (Subscription, error) {
	sub := &memorySub{query: q}
	sub.feed = newFeed(ctx, func() {
		m.mu.Lock()
		delete(m.subs, sub)
		m.mu.Unlock()
	})
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub] = struct{}{}
	m.deliverLocked(sub)
	return sub.feed, nil
}

// Len returns the number of records in a collection.
func (m *MemoryStore) Len(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.collections[collection])
}

func (m *MemoryStore) checkLocked(op Op, collection, id string, existing, incoming Fields) error {
	if m.rule == nil {
		return nil
	}
	return m.rule(op, collection, id, existing, incoming)
}

func (m *MemoryStore) putLocked(collection, id string, fields Fields) {
	records, ok := m.collections[collection]
	if !ok {
		records = make(map[string]Fields)
		m.collections[collection] = records
	}
	records[id] = fields
	m.notifyLocked(collection)
}

func (m *MemoryStore) notifyLocked(collection string) {
	for sub := range m.subs {
		if sub.query.Collection == collection {
			m.deliverLocked(sub)
		}
	}
}

func (m *MemoryStore) deliverLocked(sub *memorySub) {
	if m.offline {
		sub.feed.push(Snapshot{Err: ErrUnavailable})
		return
	}
	if err := m.checkLocked(OpQuery, sub.query.Collection, "", nil, nil); err != nil {
		sub.feed.push(Snapshot{Err: err})
		return
	}
	sub.feed.push(Snapshot{Records: m.queryLocked(sub.query)})
}

func (m *MemoryStore) queryLocked(q Query) []Record {
	records := m.collections[q.Collection]
	ids := make([]string, 0, len(records))
	for id, fields := range records {
		if q.Matches(fields) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if q.Limit > 0 && len(ids) > q.Limit {
		ids = ids[:q.Limit]
	}
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, Record{ID: id, Fields: CloneFields(records[id])})
	}
	return out
}
