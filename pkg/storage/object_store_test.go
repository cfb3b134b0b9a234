package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore("http://127.0.0.1:8090/files/")

	if _, err := store.PresignGet(ctx, "exports/u1/d1.txt", time.Minute); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
	body := "Tides\nby Lin\n"
	if err := store.Put(ctx, "exports/u1/d1.txt", strings.NewReader(body), int64(len(body)), "text/plain"); err != nil {
		t.Fatalf("put: %v", err)
	}
	link, err := store.PresignGet(ctx, "exports/u1/d1.txt", time.Minute)
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	if link != "http://127.0.0.1:8090/files/exports/u1/d1.txt" {
		t.Fatalf("unexpected link %q", link)
	}
	data, contentType, err := store.Get("exports/u1/d1.txt")
	if err != nil || string(data) != body || contentType != "text/plain" {
		t.Fatalf("get: %q %q %v", data, contentType, err)
	}
	if err := store.Delete(ctx, "exports/u1/d1.txt"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := store.Get("exports/u1/d1.txt"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected deleted object to be gone, got %v", err)
	}
}

func TestBaseName(t *testing.T) {
	if got := baseName("exports/u1/d1.md"); got != "d1.md" {
		t.Fatalf("baseName=%q", got)
	}
	if got := baseName("plain"); got != "plain" {
		t.Fatalf("baseName=%q", got)
	}
}
