package app

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"storyforge/pkg/docstore"
	"storyforge/pkg/documents"
	"storyforge/pkg/domain"
	"storyforge/pkg/session"
	"storyforge/pkg/storage"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func sqliteConfig(t *testing.T, path string, mr *miniredis.Miniredis) Config {
	t.Helper()
	return Config{
		Backend:           "sqlite",
		SQLitePath:        path + "?_pragma=busy_timeout(5000)",
		ChangeBus:         "redis",
		RedisAddr:         mr.Addr(),
		SnapshotCache:     "redis",
		TokenSecret:       "0123456789abcdef0123",
		SignInLimit:       2,
		SignInWindow:      time.Minute,
		ProfileRetryDelay: time.Millisecond,
		FilesBaseURL:      "http://127.0.0.1:8090/files",
	}
}

func TestSQLiteBackendPersistsAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	path := filepath.Join(t.TempDir(), "studio.db")

	first, err := New(ctx, sqliteConfig(t, path, mr))
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	ident, err := first.Session().SignUp(ctx, "ada@example.com", "secret1", "Ada")
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	id, err := first.Documents().CreateDocument(ctx, domain.DocumentInput{Title: domain.Ptr("Harbor"), Content: domain.Ptr("one two")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitFor(t, "mine feed", func() bool { return len(first.Documents().State().Mine) == 1 })
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second, err := New(ctx, sqliteConfig(t, path, mr))
	if err != nil {
		t.Fatalf("reopen app: %v", err)
	}
	t.Cleanup(func() { _ = second.Close() })
	again, err := second.Session().SignIn(ctx, "ada@example.com", "secret1")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if again.ID != ident.ID {
		t.Fatalf("account id changed: %s != %s", again.ID, ident.ID)
	}
	waitFor(t, "persisted document", func() bool {
		mine := second.Documents().State().Mine
		return len(mine) == 1 && mine[0].ID == id
	})
	waitFor(t, "profile", func() bool { return second.Session().State().Profile != nil })
	waitFor(t, "snapshots cached in redis", func() bool { return len(mr.Keys()) > 0 })
}

func TestSignInLimiterBlocksRepeatedFailures(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	a, err := New(ctx, sqliteConfig(t, filepath.Join(t.TempDir(), "studio.db"), mr))
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })

	var last error
	for i := 0; i < 3; i++ {
		_, last = a.Session().SignIn(ctx, "nobody@example.com", "wrong-pass")
	}
	var aerr *session.AuthError
	if !errors.As(last, &aerr) || aerr.Kind != session.KindTooManyRequests {
		t.Fatalf("expected too-many-requests, got %v", last)
	}
}

func TestExportAndAccess(t *testing.T) {
	ctx := context.Background()
	remote := docstore.NewMemoryStore()
	files := storage.NewMemoryStore("http://127.0.0.1:8090/files")
	a, err := New(ctx, Config{Store: remote, Objects: files, ProfileRetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	if a.Files() != files {
		t.Fatal("memory object store not exposed")
	}

	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	lin := domain.Identity{ID: "lin", DisplayName: "Lin"}
	_ = remote.Set(ctx, documents.DefaultCollection, "private", docstore.Fields(domain.NewDocumentFields(
		domain.DocumentInput{Title: domain.Ptr("Private")}, lin, now)))
	_ = remote.Set(ctx, documents.DefaultCollection, "open", docstore.Fields(domain.NewDocumentFields(
		domain.DocumentInput{Title: domain.Ptr("Open"), Content: domain.Ptr("waves"), IsPublic: domain.Ptr(true)}, lin, now)))

	reader := domain.Identity{ID: "ada"}
	if _, err := a.Export(ctx, reader, "private", "text"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := a.Export(ctx, reader, "missing", "text"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := a.Export(ctx, reader, "open", "pdf"); !errors.Is(err, ErrInvalidFormat) {
		t.Fatalf("expected ErrInvalidFormat, got %v", err)
	}
	out, err := a.Export(ctx, reader, "open", "")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if out.URL != "http://127.0.0.1:8090/files/exports/lin/open.txt" || out.Format != "txt" {
		t.Fatalf("unexpected export %+v", out)
	}
	body, contentType, err := files.Get(out.Key)
	if err != nil || !strings.HasPrefix(string(body), "Open\nby Lin") || !strings.HasPrefix(contentType, "text/plain") {
		t.Fatalf("stored export %q %q %v", body, contentType, err)
	}
}

func TestImportRequiresSignedInWriter(t *testing.T) {
	a, err := New(context.Background(), Config{ProfileRetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	_, _, err = a.Import(context.Background(), "notes.txt", strings.NewReader("hello"))
	if !errors.Is(err, documents.ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	if _, err := a.VerifyToken(context.Background(), "garbage"); err == nil {
		t.Fatal("expected garbage token to be rejected")
	}
}

func TestToolkitTokensUseProjectVerifier(t *testing.T) {
	ctx := context.Background()
	without, err := New(ctx, Config{Identity: "toolkit", ToolkitAPIKey: "key", ProfileRetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = without.Close() })
	if _, err := without.VerifyToken(ctx, "a.b.c"); !errors.Is(err, ErrNoVerifier) {
		t.Fatalf("expected ErrNoVerifier, got %v", err)
	}

	with, err := New(ctx, Config{Identity: "toolkit", ToolkitAPIKey: "key", ToolkitProject: "storyforge-dev", ProfileRetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = with.Close() })
	if _, err := with.VerifyToken(ctx, "not-a-jwt"); err == nil || errors.Is(err, ErrNoVerifier) {
		t.Fatalf("expected verifier rejection, got %v", err)
	}
}

func TestUnknownBackendsFail(t *testing.T) {
	ctx := context.Background()
	if _, err := New(ctx, Config{Backend: "cassandra"}); err == nil {
		t.Fatal("expected unknown store backend to fail")
	}
	if _, err := New(ctx, Config{Identity: "ldap"}); err == nil {
		t.Fatal("expected unknown identity provider to fail")
	}
}
