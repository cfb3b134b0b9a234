package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"storyforge/pkg/docstore"
	"storyforge/pkg/domain"
)

// ProfileSyncFailed is shown when the profile store rejected every attempt.
const ProfileSyncFailed = "Your profile could not be saved. It will be synced on your next sign-in."

var errStale = errors.New("session: identity changed")

// buildProfile merges the identity, an existing remote profile and a
// preferred name into the record to publish and store.
func (m *Manager) buildProfile(ident domain.Identity, existing *domain.UserProfile, preferred string, touch bool) domain.UserProfile {
	now := m.now().UTC()
	profile := domain.UserProfile{
		UID:       ident.ID,
		Email:     ident.Email,
		Name:      domain.FallbackProfileName(preferred, ident),
		CreatedAt: now,
		PhotoURL:  ident.PhotoURL,
	}
	if existing != nil {
		if profile.Email == "" {
			profile.Email = existing.Email
		}
		if strings.TrimSpace(preferred) == "" && existing.Name != "" {
			profile.Name = existing.Name
		}
		if !existing.CreatedAt.IsZero() {
			profile.CreatedAt = existing.CreatedAt
		}
		profile.LastSignInAt = existing.LastSignInAt
		if profile.PhotoURL == "" {
			profile.PhotoURL = existing.PhotoURL
		}
	}
	if touch {
		profile.LastSignInAt = &now
	}
	return profile
}

// enqueueUpsert schedules a merge-write of the profile for ident.
func (m *Manager) enqueueUpsert(ident domain.Identity, preferred string, touch bool, gen uint64) {
	m.submit("upsert", ident, gen, func(ctx context.Context) error {
		_, err := m.upsertProfile(ctx, ident, preferred, touch, gen)
		return err
	})
}

// enqueueLoad schedules a profile read for a provider notification, creating
// the profile when it is missing.
func (m *Manager) enqueueLoad(ident domain.Identity, gen uint64) {
	m.submit("load", ident, gen, func(ctx context.Context) error {
		return m.loadProfile(ctx, ident, gen)
	})
}

func (m *Manager) submit(op string, ident domain.Identity, gen uint64, run func(ctx context.Context) error) {
	err := m.worker.submit(func(ctx context.Context) {
		if !m.isCurrent(gen) {
			return
		}
		attempts := 0
		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewConstantBackOff(m.delay), uint64(m.attempts-1)),
			ctx,
		)
		err := backoff.Retry(func() error {
			attempts++
			if !m.isCurrent(gen) {
				return backoff.Permanent(errStale)
			}
			if err := run(ctx); err != nil {
				if errors.Is(err, errStale) {
					return backoff.Permanent(err)
				}
				return err
			}
			return nil
		}, policy)
		switch {
		case err == nil:
			m.metrics.RecordProfileSync("ok", attempts)
		case errors.Is(err, errStale), errors.Is(err, context.Canceled):
			m.metrics.RecordProfileSync("dropped", attempts)
		default:
			m.metrics.RecordProfileSync("failed", attempts)
			m.logger.Warn("background profile sync failed", "op", op, "uid", ident.ID, "attempts", attempts, "err", err)
			m.update(func(s *State) {
				if gen == m.generation {
					s.Err = ProfileSyncFailed
				}
			})
		}
	})
	if err != nil {
		m.logger.Debug("profile sync skipped", "op", op, "uid", ident.ID, "err", err)
	}
}

func (m *Manager) loadProfile(ctx context.Context, ident domain.Identity, gen uint64) error {
	rec, ok, err := m.profiles.Get(ctx, m.collection, ident.ID)
	if err != nil {
		if docstore.IsOffline(err) {
			m.logger.Debug("profile store offline, keeping local profile", "uid", ident.ID)
			m.setProfile(gen, m.buildProfile(ident, nil, "", false), false)
			return nil
		}
		return err
	}
	if ok {
		m.setProfile(gen, domain.ParseProfile(rec.Fields, ident), true)
		return nil
	}
	preferred := ""
	if local := m.currentProfile(gen); local != nil && local.UID == ident.ID {
		preferred = local.Name
	}
	_, err = m.upsertProfile(ctx, ident, preferred, false, gen)
	return err
}

// upsertProfile reads the stored profile, publishes the merged result locally
// and merge-writes it. Offline reads and writes are not failures; the local
// profile stands until the store is reachable again.
func (m *Manager) upsertProfile(ctx context.Context, ident domain.Identity, preferred string, touch bool, gen uint64) (domain.UserProfile, error) {
	var existing *domain.UserProfile
	rec, ok, err := m.profiles.Get(ctx, m.collection, ident.ID)
	switch {
	case err != nil && !docstore.IsOffline(err):
		return domain.UserProfile{}, err
	case err == nil && ok:
		parsed := domain.ParseProfile(rec.Fields, ident)
		existing = &parsed
	}
	if existing == nil {
		existing = m.currentProfile(gen)
	}

	profile := m.buildProfile(ident, existing, preferred, touch)
	if !m.setProfile(gen, profile, true) {
		return domain.UserProfile{}, errStale
	}
	if err := m.profiles.Merge(ctx, m.collection, ident.ID, docstore.Fields(domain.ProfileFields(profile))); err != nil {
		if !docstore.IsOffline(err) {
			return domain.UserProfile{}, err
		}
		m.logger.Warn("skipping profile sync while offline", "uid", ident.ID)
	}
	return profile, nil
}

// UpdateProfile changes the profile name of the signed-in identity.
func (m *Manager) UpdateProfile(ctx context.Context, name string) (domain.UserProfile, error) {
	m.mu.Lock()
	ident := cloneIdentity(m.state.Identity)
	gen := m.generation
	m.mu.Unlock()
	if ident == nil {
		return domain.UserProfile{}, ErrNotAuthenticated
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	profile, err := m.upsertProfile(ctx, *ident, name, false, gen)
	if err != nil {
		if errors.Is(err, errStale) {
			return domain.UserProfile{}, ErrNotAuthenticated
		}
		return domain.UserProfile{}, err
	}
	return profile, nil
}
