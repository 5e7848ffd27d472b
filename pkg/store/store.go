package store

import (
	"context"
	"fmt"
	"time"

	"github.com/netpulse/netpulse/pkg/types"
)

// ErrUnavailable is wrapped into every error returned by a Store
// implementation when the underlying service cannot be reached.
var ErrUnavailable = types.NewError(types.ErrKindStoreUnavailable, "shared store unavailable")

// Message is a single pub/sub delivery.
type Message struct {
	Channel string
	Payload string
}

// Subscription is a live pub/sub subscription. Close releases it; Messages
// is closed afterwards.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Store is the typed adapter over the shared KV + queue + pub/sub service.
// All operations are total; failures wrap ErrUnavailable.
type Store interface {
	// Key/value
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Hashes
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HSet(ctx context.Context, key, field, value string) error
	HSetNX(ctx context.Context, key, field, value string) (bool, error)
	HDel(ctx context.Context, key string, fields ...string) error
	HDelIfEquals(ctx context.Context, key, field, expected string) (bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)

	// Lists (queues)
	ListPush(ctx context.Context, key string, values ...string) error
	ListPopBlocking(ctx context.Context, key string, timeout time.Duration) (string, bool, error)
	ListLen(ctx context.Context, key string) (int64, error)
	ListRemove(ctx context.Context, key, value string) (int64, error)

	// Pub/sub
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// wrapErr classifies a store I/O failure, preserving the operation name for
// logs.
func wrapErr(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, ErrUnavailable)
}
