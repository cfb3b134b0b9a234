// Package session tracks the signed-in identity and its profile record.
//
// The identity is published as soon as the provider reports it. Profile reads
// and merge-writes run afterwards on a single background worker, in the order
// they were requested, so sign-in never waits on the profile store.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"storyforge/pkg/docstore"
	"storyforge/pkg/domain"
	"storyforge/pkg/identity"
	"storyforge/pkg/metrics"
)

// Status is the lifecycle of the session.
type Status string

const (
	StatusUninitialized   Status = "uninitialized"
	StatusLoading         Status = "loading"
	StatusAuthenticated   Status = "authenticated"
	StatusUnauthenticated Status = "unauthenticated"
)

const (
	DefaultCollection    = "users"
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = 500 * time.Millisecond
)

var (
	ErrNotAuthenticated = errors.New("User not authenticated")
	ErrClosed           = errors.New("session: manager closed")
)

// State is a read-only view of the session.
type State struct {
	Status   Status              `json:"status"`
	Identity *domain.Identity    `json:"identity"`
	Profile  *domain.UserProfile `json:"profile"`
	Loading  bool                `json:"loading"`
	Err      string              `json:"error,omitempty"`
}

type Config struct {
	Provider identity.Provider
	Profiles docstore.Store
	// Collection holding profiles; defaults to "users".
	Collection    string
	RetryAttempts int
	RetryDelay    time.Duration
	Now           func() time.Time
	Logger        *slog.Logger
	Metrics       metrics.Recorder
}

// Manager is the session context shared by the process. Start subscribes to
// the provider; Close releases the subscription and stops the worker.
type Manager struct {
	provider   identity.Provider
	profiles   docstore.Store
	collection string
	attempts   int
	delay      time.Duration
	now        func() time.Time
	logger     *slog.Logger
	metrics    metrics.Recorder

	mu         sync.Mutex
	state      State
	generation uint64
	stopWatch  func()

	dispatch  sync.Mutex
	listeners map[int]func(State)
	nextID    int

	// authCalls counts sign-in calls in flight. Their own upsert covers the
	// profile read a provider notification would otherwise schedule.
	authCalls atomic.Int32

	worker    *worker
	startOnce sync.Once
	closeOnce sync.Once
}

func New(cfg Config) *Manager {
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = DefaultRetryAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
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
	return &Manager{
		provider:   cfg.Provider,
		profiles:   cfg.Profiles,
		collection: cfg.Collection,
		attempts:   cfg.RetryAttempts,
		delay:      cfg.RetryDelay,
		now:        cfg.Now,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		state:      State{Status: StatusUninitialized, Loading: true},
		listeners:  make(map[int]func(State)),
		worker:     newWorker(),
	}
}

// Start subscribes to identity changes. The provider reports its current
// identity right away, which settles the status.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.update(func(s *State) {
			s.Status = StatusLoading
			s.Loading = true
		})
		go m.worker.run()
		stop := m.provider.Watch(m.onIdentity)
		m.mu.Lock()
		m.stopWatch = stop
		m.mu.Unlock()
	})
}

// Close unsubscribes from the provider and drops pending profile work.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		stop := m.stopWatch
		m.stopWatch = nil
		m.mu.Unlock()
		if stop != nil {
			stop()
		}
		m.worker.close()
	})
}

// State returns the current session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneState(m.state)
}

// Identity returns the signed-in identity or nil.
func (m *Manager) Identity() *domain.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneIdentity(m.state.Identity)
}

// Subscribe calls fn with the current state and after every change until stop
// is called. Calls are serialized; fn must not call methods that change the
// session.
func (m *Manager) Subscribe(fn func(State)) (stop func()) {
	m.dispatch.Lock()
	defer m.dispatch.Unlock()
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	current := cloneState(m.state)
	m.mu.Unlock()
	fn(current)
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// WatchIdentity calls fn with the current identity and again whenever the
// signed-in identity changes, including sign-out.
func (m *Manager) WatchIdentity(fn func(*domain.Identity)) (stop func()) {
	var (
		seen bool
		last *domain.Identity
	)
	return m.Subscribe(func(s State) {
		if seen && sameIdentity(last, s.Identity) {
			return
		}
		seen = true
		last = cloneIdentity(s.Identity)
		fn(cloneIdentity(s.Identity))
	})
}

// Wait blocks until profile work queued before the call has finished.
func (m *Manager) Wait(ctx context.Context) error {
	return m.worker.barrier(ctx)
}

// SignUp creates an account and publishes a locally built profile at once;
// the remote profile write happens in the background.
func (m *Manager) SignUp(ctx context.Context, email, password, name string) (domain.Identity, error) {
	m.clearErr()
	m.authCalls.Add(1)
	ident, err := m.provider.CreateAccount(ctx, email, password)
	m.authCalls.Add(-1)
	if err != nil {
		return domain.Identity{}, m.fail("signup", err, "Failed to sign up")
	}
	gen := m.adopt(&ident)
	m.setProfile(gen, m.buildProfile(ident, nil, name, true), true)
	m.enqueueUpsert(ident, name, true, gen)
	m.metrics.RecordAuthAttempt("signup", "ok")
	return ident, nil
}

// SignIn authenticates with email and password. The profile is created if
// missing and its lastSignInAt refreshed in the background.
func (m *Manager) SignIn(ctx context.Context, email, password string) (domain.Identity, error) {
	m.clearErr()
	m.authCalls.Add(1)
	ident, err := m.provider.SignIn(ctx, email, password)
	m.authCalls.Add(-1)
	if err != nil {
		return domain.Identity{}, m.fail("signin", err, "Failed to sign in")
	}
	gen := m.adopt(&ident)
	m.setProfile(gen, m.buildProfile(ident, nil, "", true), false)
	m.enqueueUpsert(ident, "", true, gen)
	m.metrics.RecordAuthAttempt("signin", "ok")
	return ident, nil
}

// SignInWithGoogle runs the federated popup flow. A closed popup is reported
// and never retried.
func (m *Manager) SignInWithGoogle(ctx context.Context) (domain.Identity, error) {
	m.clearErr()
	m.authCalls.Add(1)
	ident, err := m.provider.SignInFederated(ctx, identity.ProviderGoogle)
	m.authCalls.Add(-1)
	if err != nil {
		return domain.Identity{}, m.fail("google", err, "Failed to sign in with Google")
	}
	gen := m.adopt(&ident)
	m.setProfile(gen, m.buildProfile(ident, nil, ident.DisplayName, true), false)
	m.enqueueUpsert(ident, ident.DisplayName, true, gen)
	m.metrics.RecordAuthAttempt("google", "ok")
	return ident, nil
}

// LogOut signs out of the provider and clears identity and profile.
func (m *Manager) LogOut(ctx context.Context) error {
	m.clearErr()
	if err := m.provider.SignOut(ctx); err != nil {
		return m.fail("signout", err, "Failed to log out")
	}
	m.adopt(nil)
	m.metrics.RecordAuthAttempt("signout", "ok")
	return nil
}

func (m *Manager) fail(method string, err error, fallback string) error {
	aerr := NewAuthError(err, fallback)
	m.update(func(s *State) { s.Err = aerr.Message })
	m.metrics.RecordAuthAttempt(method, string(aerr.Kind))
	m.logger.Info("auth failed", "method", method, "kind", aerr.Kind, "err", err)
	return aerr
}

// onIdentity receives provider notifications.
func (m *Manager) onIdentity(ident *domain.Identity) {
	gen := m.adopt(ident)
	if ident != nil && m.authCalls.Load() == 0 {
		m.enqueueLoad(*ident, gen)
	}
}

// adopt publishes ident as the current identity and returns the identity
// generation. Reporting the identity already held keeps the generation and
// the profile.
func (m *Manager) adopt(ident *domain.Identity) uint64 {
	var gen uint64
	m.update(func(s *State) {
		changed := !sameIdentity(s.Identity, ident)
		if ident == nil && s.Status != StatusUnauthenticated {
			changed = true
		}
		if changed {
			m.generation++
			s.Profile = nil
		}
		if ident == nil {
			s.Identity = nil
			s.Status = StatusUnauthenticated
		} else {
			s.Identity = cloneIdentity(ident)
			s.Status = StatusAuthenticated
		}
		s.Loading = false
		gen = m.generation
	})
	return gen
}

// setProfile publishes p if gen is still current. Unless replace is set, a
// profile already held for the identity is kept.
func (m *Manager) setProfile(gen uint64, p domain.UserProfile, replace bool) bool {
	applied := false
	m.update(func(s *State) {
		if gen != m.generation || s.Identity == nil || s.Identity.ID != p.UID {
			return
		}
		if s.Profile != nil && !replace {
			applied = true
			return
		}
		cp := p
		s.Profile = &cp
		applied = true
	})
	return applied
}

func (m *Manager) currentProfile(gen uint64) *domain.UserProfile {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation || m.state.Profile == nil {
		return nil
	}
	cp := *m.state.Profile
	return &cp
}

func (m *Manager) isCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.generation
}

func (m *Manager) clearErr() {
	m.update(func(s *State) { s.Err = "" })
}

// update mutates the state under the dispatch lock and delivers the result to
// listeners in mutation order.
func (m *Manager) update(mutate func(*State)) {
	m.dispatch.Lock()
	defer m.dispatch.Unlock()
	m.mu.Lock()
	mutate(&m.state)
	snapshot := cloneState(m.state)
	fns := make([]func(State), 0, len(m.listeners))
	for i := 0; i < m.nextID; i++ {
		if fn, ok := m.listeners[i]; ok {
			fns = append(fns, fn)
		}
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(cloneState(snapshot))
	}
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

func cloneState(s State) State {
	s.Identity = cloneIdentity(s.Identity)
	if s.Profile != nil {
		p := *s.Profile
		if p.LastSignInAt != nil {
			t := *p.LastSignInAt
			p.LastSignInAt = &t
		}
		s.Profile = &p
	}
	return s
}
