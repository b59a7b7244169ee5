package distributed

import (
	"context"
	"strconv"
	"sync"
)

// fakeStore is a plain-Go stand-in for the Lua-script-backed production
// store, implementing the same semantics (including the ceiling-with-
// rollback behaviour of acquireScript) without needing a real Redis.
type fakeStore struct {
	mu       sync.Mutex
	hashes   map[string]map[string]string
	counters map[string]int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		hashes:   make(map[string]map[string]string),
		counters: make(map[string]int64),
	}
}

func (f *fakeStore) hash(key string) map[string]string {
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	return h
}

func (f *fakeStore) register(ctx context.Context, hashKey, field string, nowMS int64) error {
	return f.heartbeat(ctx, hashKey, field, nowMS)
}

func (f *fakeStore) heartbeat(_ context.Context, hashKey, field string, nowMS int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hash(hashKey)[field] = strconv.FormatInt(nowMS, 10)
	return nil
}

func (f *fakeStore) remove(_ context.Context, hashKey, field string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.hash(hashKey), field)
	return nil
}

func (f *fakeStore) cleanup(_ context.Context, hashKey string, nowMS, staleAfterMS int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.hash(hashKey)
	var removed int64
	for field, v := range h {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil || nowMS-ts > staleAfterMS {
			delete(h, field)
			removed++
		}
	}
	return removed, nil
}

func (f *fakeStore) count(_ context.Context, hashKey string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.hash(hashKey))), nil
}

func (f *fakeStore) stats(ctx context.Context, hashKey string) (int64, error) {
	return f.count(ctx, hashKey)
}

func (f *fakeStore) snapshot(_ context.Context, hashKey string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.hash(hashKey)))
	for k, v := range f.hash(hashKey) {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStore) acquire(_ context.Context, counterKey string, amount, capacity, _ int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	newVal := f.counters[counterKey] + amount
	if newVal > capacity {
		return 0, ErrCapacityExceeded
	}
	f.counters[counterKey] = newVal
	return newVal, nil
}

func (f *fakeStore) release(_ context.Context, counterKey string, amount int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	newVal := f.counters[counterKey] - amount
	if newVal < 0 {
		newVal = 0
	}
	f.counters[counterKey] = newVal
	return newVal, nil
}

func (f *fakeStore) peek(_ context.Context, counterKey string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counters[counterKey], nil
}

func (f *fakeStore) setIfAbsent(_ context.Context, hashKey, field, payload string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.hash(hashKey)
	if _, exists := h[field]; exists {
		return false, nil
	}
	h[field] = payload
	return true, nil
}

func (f *fakeStore) set(_ context.Context, hashKey, field, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hash(hashKey)[field] = payload
	return nil
}

func (f *fakeStore) get(_ context.Context, hashKey, field string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.hash(hashKey)[field]
	return v, ok, nil
}
