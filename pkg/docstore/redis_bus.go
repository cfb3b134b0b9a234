package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisBus fans change notifications out over Redis pub/sub, so several
// processes sharing one database see each other's writes.
type RedisBus struct {
	client *redis.Client
	prefix string
}

// NewRedisBus connects to Redis. prefix namespaces the channels.
func NewRedisBus(addr, password, prefix string) (*RedisBus, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("redis bus addr is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "storyforge:changes"
	}
	return &RedisBus{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: prefix,
	}, nil
}

func (b *RedisBus) channel(collection string) string {
	return b.prefix + ":" + collection
}

func (b *RedisBus) Publish(ctx context.Context, collection string) error {
	if err := b.client.Publish(ctx, b.channel(collection), collection).Err(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

func (b *RedisBus) Listen(ctx context.Context, collection string, fn func()) (func(), error) {
	ps := b.client.Subscribe(ctx, b.channel(collection))
	// Wait for the subscription to be confirmed so no publish is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe changes: %w", err)
	}
	msgs := ps.Channel()
	go func() {
		for range msgs {
			fn()
		}
	}()
	return func() { _ = ps.Close() }, nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
