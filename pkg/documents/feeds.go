package documents

import (
	"context"

	"storyforge/pkg/docstore"
	"storyforge/pkg/domain"
)

func (s *Store) runFeed(ctx context.Context, kind feedKind, gen uint64, q docstore.Query) {
	defer s.wg.Done()
	sub, err := s.remote.Subscribe(ctx, q)
	if err != nil {
		if ctx.Err() == nil {
			s.feedFailed(ctx, kind, gen, q, err)
		}
		return
	}
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-sub.Snapshots():
			if !ok {
				return
			}
			if snap.Err != nil {
				s.feedFailed(ctx, kind, gen, q, snap.Err)
				continue
			}
			s.feedSnapshot(ctx, kind, gen, q, snap.Records)
		}
	}
}

func (s *Store) feedSnapshot(ctx context.Context, kind feedKind, gen uint64, q docstore.Query, records []docstore.Record) {
	docs := parseRecords(records)
	current := false
	s.update(func() {
		f := s.feedLocked(kind)
		if f.gen != gen {
			return
		}
		current = true
		f.docs = docs
		f.loading = false
		f.err, f.notice, f.offline = "", "", false
	})
	if !current {
		return
	}
	s.metrics.RecordSnapshot(string(kind), len(docs))
	if err := s.cache.Save(ctx, q.Key(), records); err != nil && ctx.Err() == nil {
		s.logger.Warn("snapshot cache save failed", "query", q.Key(), "err", err)
	}
}

// feedFailed handles a failed fetch. Offline failures fall back to the last
// cached snapshot; anything else keeps the current list and sets the error.
func (s *Store) feedFailed(ctx context.Context, kind feedKind, gen uint64, q docstore.Query, err error) {
	if !docstore.IsOffline(err) {
		s.logger.Warn("document feed failed", "feed", kind, "query", q.Key(), "err", err)
		s.metrics.RecordSyncError("subscribe")
		s.update(func() {
			f := s.feedLocked(kind)
			if f.gen != gen {
				return
			}
			f.loading = false
			f.err = errorMessage(err, f.fallback)
		})
		return
	}

	entry, cached, cerr := s.cache.Load(ctx, q.Key())
	if cerr != nil {
		s.logger.Warn("snapshot cache load failed", "query", q.Key(), "err", cerr)
		cached = false
	}
	s.logger.Info("document feed offline", "feed", kind, "query", q.Key(), "cached", cached)
	s.metrics.RecordOfflineFallback(string(kind), cached)
	s.update(func() {
		f := s.feedLocked(kind)
		if f.gen != gen {
			return
		}
		f.loading = false
		f.err = ""
		f.offline = true
		if cached {
			f.docs = parseRecords(entry.Records)
			f.notice = cachedNotice
		} else {
			f.docs = []domain.StoryDocument{}
			f.notice = noCacheNotice
		}
	})
}

func parseRecords(records []docstore.Record) []domain.StoryDocument {
	docs := make([]domain.StoryDocument, 0, len(records))
	for _, r := range records {
		docs = append(docs, domain.ParseDocument(r.ID, r.Fields))
	}
	domain.SortByUpdated(docs)
	return docs
}

// upsertDoc replaces the entry with the same id or prepends doc, then keeps
// the list in updatedAt order.
func upsertDoc(docs []domain.StoryDocument, doc domain.StoryDocument) []domain.StoryDocument {
	out := make([]domain.StoryDocument, 0, len(docs)+1)
	out = append(out, doc)
	for _, d := range docs {
		if d.ID != doc.ID {
			out = append(out, d)
		}
	}
	domain.SortByUpdated(out)
	return out
}

func removeDoc(docs []domain.StoryDocument, id string) []domain.StoryDocument {
	out := make([]domain.StoryDocument, 0, len(docs))
	for _, d := range docs {
		if d.ID != id {
			out = append(out, d)
		}
	}
	return out
}

func findDoc(docs []domain.StoryDocument, id string) (domain.StoryDocument, bool) {
	for _, d := range docs {
		if d.ID == id {
			return d, true
		}
	}
	return domain.StoryDocument{}, false
}

// pruneCache drops id from the cached snapshot of q so an offline fallback
// can not resurrect a deleted document.
func (s *Store) pruneCache(ctx context.Context, q docstore.Query, id string) {
	key := q.Key()
	entry, ok, err := s.cache.Load(ctx, key)
	if err != nil || !ok {
		return
	}
	kept := make([]docstore.Record, 0, len(entry.Records))
	for _, r := range entry.Records {
		if r.ID != id {
			kept = append(kept, r)
		}
	}
	if len(kept) == len(entry.Records) {
		return
	}
	if err := s.cache.Save(ctx, key, kept); err != nil {
		s.logger.Warn("snapshot cache prune failed", "query", key, "doc_id", id, "err", err)
	}
}
