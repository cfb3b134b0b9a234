package documents

import (
	"context"
	"errors"
	"time"

	"storyforge/pkg/docstore"
	"storyforge/pkg/domain"
)

// CreateDocument adds a document owned by the signed-in identity and returns
// its id. Unset fields take their defaults.
func (s *Store) CreateDocument(ctx context.Context, in domain.DocumentInput) (string, error) {
	ident := s.currentIdentity()
	if ident == nil {
		return "", ErrNotAuthenticated
	}
	fields := domain.NewDocumentFields(in, *ident, s.now().UTC())
	start := time.Now()
	id, err := s.remote.Add(ctx, s.collection, docstore.Fields(fields))
	s.metrics.RecordWriteLatency("create", time.Since(start))
	if err != nil {
		s.metrics.RecordSyncError("create")
		return "", newSyncError("create", err)
	}
	doc := domain.ParseDocument(id, fields)
	s.update(func() {
		if s.identity != nil && s.identity.ID == doc.Owner {
			s.mine.docs = upsertDoc(s.mine.docs, doc)
		}
		if doc.IsPublic {
			s.public.docs = upsertDoc(s.public.docs, doc)
		}
	})
	s.logger.Debug("document created", "doc_id", id, "uid", ident.ID)
	return id, nil
}

// UpdateDocument writes only the supplied fields and refreshes updatedAt.
func (s *Store) UpdateDocument(ctx context.Context, id string, in domain.DocumentInput) error {
	ident := s.currentIdentity()
	if ident == nil {
		return ErrNotAuthenticated
	}
	current, err := s.ownedDoc(ctx, "update", id, *ident)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	if current.UpdatedAt.After(now) {
		now = current.UpdatedAt
	}
	fields := domain.UpdateFields(in, now)
	start := time.Now()
	err = s.remote.Update(ctx, s.collection, id, docstore.Fields(fields))
	s.metrics.RecordWriteLatency("update", time.Since(start))
	if err != nil {
		s.metrics.RecordSyncError("update")
		return newSyncError("update", err)
	}
	s.update(func() {
		if doc, ok := findDoc(s.mine.docs, id); ok {
			doc = domain.ApplyFields(doc, fields)
			s.mine.docs = upsertDoc(s.mine.docs, doc)
			if doc.IsPublic {
				s.public.docs = upsertDoc(s.public.docs, doc)
			}
		}
		if doc, ok := findDoc(s.public.docs, id); ok {
			doc = domain.ApplyFields(doc, fields)
			if doc.IsPublic {
				s.public.docs = upsertDoc(s.public.docs, doc)
			} else {
				s.public.docs = removeDoc(s.public.docs, id)
			}
		}
	})
	return nil
}

// DeleteDocument permanently removes the document from the remote store, both
// local lists and the cached snapshots.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	ident := s.currentIdentity()
	if ident == nil {
		return ErrNotAuthenticated
	}
	if _, err := s.ownedDoc(ctx, "delete", id, *ident); err != nil {
		return err
	}
	start := time.Now()
	err := s.remote.Delete(ctx, s.collection, id)
	s.metrics.RecordWriteLatency("delete", time.Since(start))
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		s.metrics.RecordSyncError("delete")
		return newSyncError("delete", err)
	}
	var queries []docstore.Query
	s.update(func() {
		s.mine.docs = removeDoc(s.mine.docs, id)
		s.public.docs = removeDoc(s.public.docs, id)
		for _, f := range []*feed{&s.mine, &s.public} {
			if f.active {
				queries = append(queries, f.query)
			}
		}
	})
	for _, q := range queries {
		s.pruneCache(ctx, q, id)
	}
	s.logger.Debug("document deleted", "doc_id", id, "uid", ident.ID)
	return nil
}

type pointRead struct {
	doc   domain.StoryDocument
	found bool
}

// GetDocumentByID returns the local copy when either list holds id, otherwise
// reads the remote record. A missing record is reported with found=false.
func (s *Store) GetDocumentByID(ctx context.Context, id string) (domain.StoryDocument, bool, error) {
	if doc, ok := s.cachedDoc(id); ok {
		return doc, true, nil
	}
	v, err, _ := s.reads.Do(id, func() (any, error) {
		rec, ok, err := s.remote.Get(ctx, s.collection, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return pointRead{}, nil
		}
		return pointRead{doc: domain.ParseDocument(rec.ID, rec.Fields), found: true}, nil
	})
	if err != nil {
		s.metrics.RecordSyncError("get")
		return domain.StoryDocument{}, false, newSyncError("load", err)
	}
	res := v.(pointRead)
	return cloneDoc(res.doc), res.found, nil
}

// IncrementReadCount bumps the remote read counter by one. The lists pick the
// new count up from the next snapshot. Failures are logged and reported as
// false, never returned.
func (s *Store) IncrementReadCount(ctx context.Context, id string) bool {
	if err := s.remote.Increment(ctx, s.collection, id, domain.FieldReads, 1); err != nil {
		s.logger.Debug("read count not incremented", "doc_id", id, "err", err)
		return false
	}
	return true
}

// ViewDocument loads a document for reading and counts the view when the
// reader is not the owner.
func (s *Store) ViewDocument(ctx context.Context, id string) (domain.StoryDocument, bool, error) {
	doc, found, err := s.GetDocumentByID(ctx, id)
	if err != nil || !found {
		return doc, found, err
	}
	ident := s.currentIdentity()
	if ident == nil || ident.ID != doc.Owner {
		if s.IncrementReadCount(ctx, id) {
			doc.Reads++
		}
	}
	return doc, true, nil
}

// ownedDoc returns the document when ident owns it. Documents missing from
// both lists are point-read so private records of other writers are checked too.
func (s *Store) ownedDoc(ctx context.Context, op, id string, ident domain.Identity) (domain.StoryDocument, error) {
	doc, found := s.cachedDoc(id)
	if !found {
		rec, ok, err := s.remote.Get(ctx, s.collection, id)
		if err != nil {
			s.metrics.RecordSyncError(op)
			return domain.StoryDocument{}, newSyncError(op, err)
		}
		if !ok {
			return domain.StoryDocument{}, newSyncError(op, docstore.ErrNotFound)
		}
		doc = domain.ParseDocument(rec.ID, rec.Fields)
	}
	if doc.Owner != ident.ID {
		return domain.StoryDocument{}, &SyncError{Op: op, Message: permissionMessage, Err: docstore.ErrPermissionDenied}
	}
	return doc, nil
}

func (s *Store) cachedDoc(id string) (domain.StoryDocument, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc, ok := findDoc(s.mine.docs, id); ok {
		return cloneDoc(doc), true
	}
	if doc, ok := findDoc(s.public.docs, id); ok {
		return cloneDoc(doc), true
	}
	return domain.StoryDocument{}, false
}
