package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and single-node
// development mode. It honors the same atomicity guarantees as the Redis
// implementation by serializing every operation under one mutex.
type MemoryStore struct {
	mu     sync.Mutex
	kv     map[string]kvEntry
	hashes map[string]map[string]string
	lists  map[string][]string
	wake   map[string]chan struct{}
	subs   map[*memorySubscription][]string
	closed bool
}

type kvEntry struct {
	value    string
	expireAt time.Time // zero = no expiry
}

func (e kvEntry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && now.After(e.expireAt)
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		kv:     make(map[string]kvEntry),
		hashes: make(map[string]map[string]string),
		lists:  make(map[string][]string),
		wake:   make(map[string]chan struct{}),
		subs:   make(map[*memorySubscription][]string),
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.kv[key]
	if !ok || e.expired(time.Now()) {
		delete(m.kv, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.kv[key] = newEntry(value, ttl)
	return nil
}

func (m *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.kv[key]; ok && !e.expired(time.Now()) {
		return false, nil
	}
	m.kv[key] = newEntry(value, ttl)
	return true, nil
}

func (m *MemoryStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		delete(m.kv, key)
		delete(m.hashes, key)
		delete(m.lists, key)
	}
	return nil
}

func (m *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.kv[key]; ok {
		e.expireAt = time.Now().Add(ttl)
		m.kv[key] = e
	}
	return nil
}

func (m *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var keys []string
	for k, e := range m.kv {
		if e.expired(now) {
			delete(m.kv, k)
			continue
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) HGet(_ context.Context, key, field string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	val, ok := m.hashes[key][field]
	return val, ok, nil
}

func (m *MemoryStore) HSet(_ context.Context, key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hash(key)[field] = value
	return nil
}

func (m *MemoryStore) HSetNX(_ context.Context, key, field, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.hash(key)
	if _, ok := h[field]; ok {
		return false, nil
	}
	h[field] = value
	return true, nil
}

func (m *MemoryStore) HDel(_ context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, f := range fields {
		delete(m.hashes[key], f)
	}
	return nil
}

func (m *MemoryStore) HDelIfEquals(_ context.Context, key, field, expected string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if val, ok := m.hashes[key][field]; ok && val == expected {
		delete(m.hashes[key], field)
		return true, nil
	}
	return false, nil
}

func (m *MemoryStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string, len(m.hashes[key]))
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) HIncrBy(_ context.Context, key, field string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.hash(key)
	n := parseInt(h[field]) + delta
	h[field] = formatInt(n)
	return n, nil
}

func (m *MemoryStore) ListPush(_ context.Context, key string, values ...string) error {
	m.mu.Lock()
	m.lists[key] = append(m.lists[key], values...)
	wake := m.wakeChan(key)
	m.mu.Unlock()

	select {
	case wake <- struct{}{}:
	default:
	}
	return nil
}

func (m *MemoryStore) ListPopBlocking(ctx context.Context, key string, timeout time.Duration) (string, bool, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		m.mu.Lock()
		if list := m.lists[key]; len(list) > 0 {
			val := list[0]
			m.lists[key] = list[1:]
			m.mu.Unlock()
			return val, true, nil
		}
		wake := m.wakeChan(key)
		m.mu.Unlock()

		select {
		case <-wake:
		case <-deadline.C:
			return "", false, nil
		case <-ctx.Done():
			return "", false, wrapErr("list_pop_blocking", ctx.Err())
		}
	}
}

func (m *MemoryStore) ListLen(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.lists[key])), nil
}

func (m *MemoryStore) ListRemove(_ context.Context, key, value string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var kept []string
	var removed int64
	for _, v := range m.lists[key] {
		if v == value {
			removed++
			continue
		}
		kept = append(kept, v)
	}
	m.lists[key] = kept
	return removed, nil
}

func (m *MemoryStore) Publish(_ context.Context, channel, payload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg := Message{Channel: channel, Payload: payload}
	for sub, channels := range m.subs {
		for _, ch := range channels {
			if ch == channel {
				select {
				case sub.msgs <- msg:
				default:
					// Subscriber buffer full, drop.
				}
				break
			}
		}
	}
	return nil
}

func (m *MemoryStore) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := &memorySubscription{
		store: m,
		msgs:  make(chan Message, 64),
	}
	m.subs[sub] = channels
	return sub, nil
}

func (m *MemoryStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return wrapErr("ping", errClosed)
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for sub := range m.subs {
		close(sub.msgs)
		delete(m.subs, sub)
	}
	return nil
}

func (m *MemoryStore) hash(key string) map[string]string {
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	return h
}

func (m *MemoryStore) wakeChan(key string) chan struct{} {
	ch, ok := m.wake[key]
	if !ok {
		ch = make(chan struct{}, 1)
		m.wake[key] = ch
	}
	return ch
}

type memorySubscription struct {
	store *MemoryStore
	msgs  chan Message
	once  sync.Once
}

func (s *memorySubscription) Messages() <-chan Message {
	return s.msgs
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.store.mu.Lock()
		defer s.store.mu.Unlock()
		if _, ok := s.store.subs[s]; ok {
			delete(s.store.subs, s)
			close(s.msgs)
		}
	})
	return nil
}
