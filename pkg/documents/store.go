// Package documents keeps the signed-in writer's documents and the public
// discovery feed live against the remote document store, and routes every
// document write through one place so local state follows the remote result.
package documents

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"storyforge/pkg/docstore"
	"storyforge/pkg/domain"
	"storyforge/pkg/metrics"
	"storyforge/pkg/snapshotcache"
)

const (
	DefaultCollection  = "documents"
	DefaultPublicLimit = 40
)

// IdentitySource reports the signed-in identity, nil when signed out.
type IdentitySource interface {
	WatchIdentity(fn func(*domain.Identity)) (stop func())
}

type Config struct {
	Remote   docstore.Store
	Identity IdentitySource
	// Cache keeps the last good snapshot of each feed; defaults to memory.
	Cache       snapshotcache.Cache
	Collection  string
	PublicLimit int
	Now         func() time.Time
	Logger      *slog.Logger
	Metrics     metrics.Recorder
}

// State is a read-only view of both feeds.
type State struct {
	Mine          []domain.StoryDocument `json:"mine"`
	Public        []domain.StoryDocument `json:"public"`
	Loading       bool                   `json:"loading"`
	PublicLoading bool                   `json:"publicLoading"`
	Err           string                 `json:"error,omitempty"`
	Notice        string                 `json:"notice,omitempty"`
	Offline       bool                   `json:"offline"`
}

type feedKind string

const (
	feedMine   feedKind = "mine"
	feedPublic feedKind = "public"
)

type feed struct {
	kind     feedKind
	fallback string
	docs     []domain.StoryDocument
	loading  bool
	err      string
	notice   string
	offline  bool

	gen    uint64
	query  docstore.Query
	active bool
	cancel context.CancelFunc
}

// Store is the document synchronization store. Start opens the feeds; Close
// releases every subscription.
type Store struct {
	remote      docstore.Store
	identitySrc IdentitySource
	cache       snapshotcache.Cache
	collection  string
	publicLimit int
	now         func() time.Time
	logger      *slog.Logger
	metrics     metrics.Recorder

	mu       sync.Mutex
	identity *domain.Identity
	mine     feed
	public   feed
	ctx      context.Context
	cancel   context.CancelFunc
	stopID   func()
	started  bool
	closed   bool

	dispatch  sync.Mutex
	listeners map[int]func(State)
	nextID    int

	reads singleflight.Group
	wg    sync.WaitGroup
}

func New(cfg Config) *Store {
	if cfg.Cache == nil {
		cfg.Cache = snapshotcache.NewMemory()
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}
	if cfg.PublicLimit <= 0 {
		cfg.PublicLimit = DefaultPublicLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	return &Store{
		remote:      cfg.Remote,
		identitySrc: cfg.Identity,
		cache:       cfg.Cache,
		collection:  cfg.Collection,
		publicLimit: cfg.PublicLimit,
		now:         cfg.Now,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		mine:        feed{kind: feedMine, fallback: "Failed to fetch documents", docs: []domain.StoryDocument{}},
		public:      feed{kind: feedPublic, fallback: "Failed to fetch stories", docs: []domain.StoryDocument{}, loading: true},
		listeners:   make(map[int]func(State)),
	}
}

// Start subscribes to the public feed and follows the identity source,
// opening the owner feed while someone is signed in.
func (s *Store) Start() {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	s.update(func() {
		s.openLocked(&s.public, docstore.Query{Collection: s.collection, Limit: s.publicLimit}.Where(domain.FieldIsPublic, true))
	})
	if s.identitySrc == nil {
		s.onIdentity(nil)
		return
	}
	stop := s.identitySrc.WatchIdentity(s.onIdentity)
	s.mu.Lock()
	s.stopID = stop
	s.mu.Unlock()
}

// Close releases both subscriptions and waits for the feed goroutines. It
// must not be called from a listener.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	stop := s.stopID
	s.stopID = nil
	cancel := s.cancel
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Store) onIdentity(ident *domain.Identity) {
	s.update(func() {
		if s.closed {
			return
		}
		if sameIdentity(s.identity, ident) && (ident == nil || s.mine.active) {
			return
		}
		s.identity = cloneIdentity(ident)
		s.closeLocked(&s.mine)
		s.mine.docs = []domain.StoryDocument{}
		s.mine.err, s.mine.notice, s.mine.offline = "", "", false
		if ident == nil {
			s.mine.loading = false
			return
		}
		s.openLocked(&s.mine, docstore.Query{Collection: s.collection}.Where(domain.FieldOwner, ident.ID))
	})
}

// openLocked starts a feed goroutine for q. Results from an older generation
// of the same feed are discarded.
func (s *Store) openLocked(f *feed, q docstore.Query) {
	s.closeLocked(f)
	f.gen++
	f.query = q
	f.active = true
	f.loading = true
	ctx, cancel := context.WithCancel(s.ctx)
	f.cancel = cancel
	s.wg.Add(1)
	go s.runFeed(ctx, f.kind, f.gen, q)
}

func (s *Store) closeLocked(f *feed) {
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	f.gen++
	f.active = false
}

// State returns a copy of both feeds.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe calls fn with the current state and after every change until stop
// is called. Calls are serialized; fn must not call Close.
func (s *Store) Subscribe(fn func(State)) (stop func()) {
	s.dispatch.Lock()
	defer s.dispatch.Unlock()
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	current := s.snapshotLocked()
	s.mu.Unlock()
	fn(current)
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

func (s *Store) update(mutate func()) {
	s.dispatch.Lock()
	defer s.dispatch.Unlock()
	s.mu.Lock()
	mutate()
	snapshot := s.snapshotLocked()
	fns := make([]func(State), 0, len(s.listeners))
	for i := 0; i < s.nextID; i++ {
		if fn, ok := s.listeners[i]; ok {
			fns = append(fns, fn)
		}
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(cloneState(snapshot))
	}
}

func (s *Store) snapshotLocked() State {
	st := State{
		Mine:          cloneDocs(s.mine.docs),
		Public:        cloneDocs(s.public.docs),
		Loading:       s.mine.loading,
		PublicLoading: s.public.loading,
		Offline:       s.mine.offline || s.public.offline,
	}
	for _, f := range []*feed{&s.mine, &s.public} {
		if st.Err == "" {
			st.Err = f.err
		}
		if st.Notice == "" {
			st.Notice = f.notice
		}
	}
	return st
}

func (s *Store) feedLocked(kind feedKind) *feed {
	if kind == feedMine {
		return &s.mine
	}
	return &s.public
}

func (s *Store) currentIdentity() *domain.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneIdentity(s.identity)
}

func sameIdentity(a, b *domain.Identity) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.ID == b.ID
}

func cloneIdentity(ident *domain.Identity) *domain.Identity {
	if ident == nil {
		return nil
	}
	cp := *ident
	return &cp
}

func cloneDocs(docs []domain.StoryDocument) []domain.StoryDocument {
	out := make([]domain.StoryDocument, len(docs))
	for i, d := range docs {
		out[i] = cloneDoc(d)
	}
	return out
}

func cloneDoc(d domain.StoryDocument) domain.StoryDocument {
	tags := make([]string, len(d.Tags))
	copy(tags, d.Tags)
	d.Tags = tags
	return d
}

func cloneState(st State) State {
	st.Mine = cloneDocs(st.Mine)
	st.Public = cloneDocs(st.Public)
	return st
}
