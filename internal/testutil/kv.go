package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/thruflo/fieldtrack/internal/store"
)

// KV operation names accepted by FailingKV.Fail.
const (
	OpGet    = "get"
	OpPut    = "put"
	OpDelete = "delete"
	OpList   = "list"
)

// FailingKV wraps a store.KV and fails selected operations with an error
// wrapping store.ErrPersistence.
type FailingKV struct {
	inner store.KV

	mu    sync.Mutex
	fails map[string]bool
	calls map[string]int
}

// NewFailingKV wraps inner. A nil inner uses a fresh MemoryKV.
func NewFailingKV(inner store.KV) *FailingKV {
	if inner == nil {
		inner = store.NewMemoryKV()
	}
	return &FailingKV{inner: inner, fails: make(map[string]bool), calls: make(map[string]int)}
}

// Fail makes the named operations fail until Heal is called.
func (f *FailingKV) Fail(ops ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, op := range ops {
		f.fails[op] = true
	}
}

// Heal clears every injected failure.
func (f *FailingKV) Heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails = make(map[string]bool)
}

// Calls returns how many times op was attempted.
func (f *FailingKV) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *FailingKV) check(op, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if f.fails[op] {
		return fmt.Errorf("%w: injected %s failure for %q", store.ErrPersistence, op, key)
	}
	return nil
}

func (f *FailingKV) Get(ctx context.Context, key string) ([]byte, error) {
	if err := f.check(OpGet, key); err != nil {
		return nil, err
	}
	return f.inner.Get(ctx, key)
}

func (f *FailingKV) Put(ctx context.Context, key string, value []byte) error {
	if err := f.check(OpPut, key); err != nil {
		return err
	}
	return f.inner.Put(ctx, key, value)
}

func (f *FailingKV) Delete(ctx context.Context, key string) error {
	if err := f.check(OpDelete, key); err != nil {
		return err
	}
	return f.inner.Delete(ctx, key)
}

func (f *FailingKV) List(ctx context.Context, prefix string) ([]store.Entry, error) {
	if err := f.check(OpList, prefix); err != nil {
		return nil, err
	}
	return f.inner.List(ctx, prefix)
}

func (f *FailingKV) Close() error {
	return f.inner.Close()
}

var _ store.KV = (*FailingKV)(nil)
