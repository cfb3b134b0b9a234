package docstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/gorm"
)

func newTestGormStore(t *testing.T, bus ChangeBus) *GormStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "records.db") + "?_pragma=busy_timeout(5000)"
	db, err := OpenDB("sqlite", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	store, err := NewGormStore(db, GormConfig{Bus: bus})
	if err != nil {
		t.Fatalf("new gorm store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestGormStoreCRUD(t *testing.T) {
	ctx := context.Background()
	store := newTestGormStore(t, nil)

	id, err := store.Add(ctx, "documents", Fields{"title": "A", "owner": "u1", "tags": []string{"x"}})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	rec, ok, err := store.Get(ctx, "documents", id)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if rec.Fields["title"] != "A" {
		t.Fatalf("unexpected title %v", rec.Fields["title"])
	}

	if err := store.Update(ctx, "documents", id, Fields{"title": "B"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.Update(ctx, "documents", "missing", Fields{"title": "B"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Increment(ctx, "documents", id, "reads", 2); err != nil {
		t.Fatalf("increment: %v", err)
	}
	rec, _, _ = store.Get(ctx, "documents", id)
	if rec.Fields["title"] != "B" || rec.Fields["owner"] != "u1" {
		t.Fatalf("update lost fields: %v", rec.Fields)
	}
	if reads, ok := toFloat(rec.Fields["reads"]); !ok || reads != 2 {
		t.Fatalf("expected reads 2, got %v", rec.Fields["reads"])
	}

	if err := store.Merge(ctx, "users", "u1", Fields{"name": "Ada"}); err != nil {
		t.Fatalf("merge create: %v", err)
	}
	if err := store.Merge(ctx, "users", "u1", Fields{"email": "a@x.com"}); err != nil {
		t.Fatalf("merge update: %v", err)
	}
	user, _, _ := store.Get(ctx, "users", "u1")
	if user.Fields["name"] != "Ada" || user.Fields["email"] != "a@x.com" {
		t.Fatalf("merge must preserve fields: %v", user.Fields)
	}

	if err := store.Set(ctx, "users", "u1", Fields{"name": "Grace"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	user, _, _ = store.Get(ctx, "users", "u1")
	if _, ok := user.Fields["email"]; ok || user.Fields["name"] != "Grace" {
		t.Fatalf("set must overwrite: %v", user.Fields)
	}

	if err := store.Delete(ctx, "documents", id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, err := store.Get(ctx, "documents", id); ok || err != nil {
		t.Fatalf("expected missing after delete, ok=%v err=%v", ok, err)
	}
}

func TestGormStoreQueryFilters(t *testing.T) {
	ctx := context.Background()
	store := newTestGormStore(t, nil)
	for _, owner := range []string{"u1", "u1", "u2"} {
		if _, err := store.Add(ctx, "documents", Fields{"owner": owner, "isPublic": owner == "u2"}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	mine, err := store.Query(ctx, Query{Collection: "documents"}.Where("owner", "u1"))
	if err != nil {
		t.Fatalf("query owner: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("expected 2 records for u1, got %d", len(mine))
	}
	public, err := store.Query(ctx, Query{Collection: "documents", Limit: 40}.Where("isPublic", true))
	if err != nil {
		t.Fatalf("query public: %v", err)
	}
	if len(public) != 1 || public[0].Fields["owner"] != "u2" {
		t.Fatalf("unexpected public records: %+v", public)
	}
}

func TestGormStoreSubscribeRefreshesOnWrite(t *testing.T) {
	ctx := context.Background()
	store := newTestGormStore(t, NewLocalBus())
	sub, err := store.Subscribe(ctx, Query{Collection: "documents"}.Where("owner", "u1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if snap := nextSnapshot(t, sub); snap.Err != nil || len(snap.Records) != 0 {
		t.Fatalf("unexpected initial snapshot: %+v", snap)
	}
	if _, err := store.Add(ctx, "documents", Fields{"owner": "u1"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-sub.Snapshots():
			if len(snap.Records) == 1 {
				return
			}
		case <-deadline:
			t.Fatalf("subscription did not observe the write")
		}
	}
}

// holdLiveQueries blocks every query until its context ends and reports
// the context error.
func holdLiveQueries(t *testing.T, store *GormStore) (entered chan struct{}, ended chan error) {
	t.Helper()
	entered = make(chan struct{}, 4)
	ended = make(chan error, 4)
	err := store.db.Callback().Query().Before("gorm:query").Register("test:hold_query", func(tx *gorm.DB) {
		entered <- struct{}{}
		select {
		case <-tx.Statement.Context.Done():
			ended <- tx.Statement.Context.Err()
		case <-time.After(2 * time.Second):
			ended <- nil
		}
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}
	return entered, ended
}

func awaitQueryEnd(t *testing.T, entered chan struct{}, ended chan error, release func()) {
	t.Helper()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("live query never started")
	}
	release()
	if err := <-ended; !errors.Is(err, context.Canceled) {
		t.Fatalf("live query context not cancelled: %v", err)
	}
}

func TestGormStoreLiveQueryEndsWithSubscription(t *testing.T) {
	store := newTestGormStore(t, nil)
	entered, ended := holdLiveQueries(t, store)
	sub, err := store.Subscribe(context.Background(), Query{Collection: "documents"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	awaitQueryEnd(t, entered, ended, sub.Close)
}

func TestGormStoreLiveQueryEndsWithClose(t *testing.T) {
	store := newTestGormStore(t, nil)
	entered, ended := holdLiveQueries(t, store)
	sub, err := store.Subscribe(context.Background(), Query{Collection: "documents"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	awaitQueryEnd(t, entered, ended, func() { _ = store.Close() })
}
