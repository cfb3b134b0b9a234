package documents

import (
	"context"
	"testing"
	"time"

	"storyforge/pkg/docstore"
	"storyforge/pkg/domain"
	"storyforge/pkg/identity"
	"storyforge/pkg/session"
)

func TestWriterSessionScenario(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)}
	provider, err := identity.NewLocal(identity.LocalConfig{Now: clock.Now})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	remote := docstore.NewMemoryStore()
	manager := session.New(session.Config{Provider: provider, Profiles: remote, RetryDelay: time.Millisecond, Now: clock.Now})
	manager.Start()
	t.Cleanup(manager.Close)
	store := New(Config{Remote: remote, Identity: manager, Now: clock.Now})
	store.Start()
	t.Cleanup(store.Close)

	// someone else's public story
	if err := remote.Set(ctx, DefaultCollection, "other", docstore.Fields(domain.NewDocumentFields(
		domain.DocumentInput{Title: domain.Ptr("Tides"), IsPublic: domain.Ptr(true)},
		domain.Identity{ID: "someone-else", DisplayName: "Lin"}, clock.Now(),
	))); err != nil {
		t.Fatalf("seed other: %v", err)
	}

	ident, err := manager.SignUp(ctx, "new@x.com", "secret1", "Ada")
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	profile := manager.State().Profile
	if profile == nil || profile.UID != ident.ID || profile.Email != "new@x.com" || profile.Name != "Ada" || !profile.CreatedAt.Equal(clock.Now()) {
		t.Fatalf("unexpected profile %+v", profile)
	}
	waitState(t, store, "signed in", func(st State) bool { return settled(st) && len(st.Public) == 1 })

	id, err := store.CreateDocument(ctx, domain.DocumentInput{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	doc, found, err := store.GetDocumentByID(ctx, id)
	if err != nil || !found {
		t.Fatalf("get created: found=%v err=%v", found, err)
	}
	if doc.Title != "Untitled Story" || doc.Type != domain.TypeStory || doc.Status != domain.StatusDraft ||
		doc.Genre != "General" || doc.Language != "English" || len(doc.Tags) != 0 || doc.IsPublic ||
		doc.Reads+doc.Votes+doc.Comments != 0 || doc.OwnerName != "Anonymous Writer" {
		t.Fatalf("unexpected defaults %+v", doc)
	}

	clock.Advance(time.Second)
	if err := store.UpdateDocument(ctx, id, domain.DocumentInput{Title: domain.Ptr("  ")}); err != nil {
		t.Fatalf("update: %v", err)
	}
	rec, _, _ := remote.Get(ctx, DefaultCollection, id)
	updated := domain.ParseDocument(id, rec.Fields)
	if updated.Title != "Untitled Story" || !updated.UpdatedAt.After(doc.UpdatedAt) {
		t.Fatalf("unexpected update result %+v", updated)
	}

	if err := manager.LogOut(ctx); err != nil {
		t.Fatalf("log out: %v", err)
	}
	waitState(t, store, "signed out", func(st State) bool { return len(st.Mine) == 0 && !st.Loading })

	read, found, err := store.ViewDocument(ctx, "other")
	if err != nil || !found || read.Reads != 1 {
		t.Fatalf("view as non-owner: reads=%d found=%v err=%v", read.Reads, found, err)
	}

	remote.SetRule(func(op docstore.Op, _, _ string, _, _ docstore.Fields) error {
		if op == docstore.OpIncrement {
			return docstore.ErrPermissionDenied
		}
		return nil
	})
	if store.IncrementReadCount(ctx, "other") {
		t.Fatalf("rejected increment reported success")
	}
	rec, _, _ = remote.Get(ctx, DefaultCollection, "other")
	if domain.AsCounter(rec.Fields[domain.FieldReads]) != 1 {
		t.Fatalf("expected exactly one read, got %v", rec.Fields[domain.FieldReads])
	}
}
