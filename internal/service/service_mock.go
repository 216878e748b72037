package service

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/UnendingLoop/ArchiveIIIF/internal/model"
)

// MOCK DESCRIBER

type mockDescriber struct {
	describeFn func(ctx context.Context, identifier string) (model.ExposureInfo, error)
	calls      atomic.Int32
}

func (m *mockDescriber) Describe(ctx context.Context, identifier string) (model.ExposureInfo, error) {
	m.calls.Add(1)
	return m.describeFn(ctx, identifier)
}

// MOCK CACHE

type memCache struct {
	mu     sync.Mutex
	items  map[model.CanonicalKey]*model.Derivative
	getErr error
}

func newMemCache() *memCache {
	return &memCache{items: map[model.CanonicalKey]*model.Derivative{}}
}

func (m *memCache) Get(_ context.Context, key model.CanonicalKey) (*model.Derivative, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	d, ok := m.items[key]
	if !ok {
		return nil, model.ErrCacheMiss
	}
	return d, nil
}

func (m *memCache) Exists(_ context.Context, key model.CanonicalKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.items[key]
	return ok, nil
}

func (m *memCache) put(d *model.Derivative) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[d.Key] = d
}

// MOCK DISPATCHER

type mockDispatcher struct {
	dispatchFn func(ctx context.Context, task model.Task) error

	mu    sync.Mutex
	tasks []model.Task
}

func (m *mockDispatcher) Dispatch(ctx context.Context, task model.Task) error {
	m.mu.Lock()
	m.tasks = append(m.tasks, task)
	m.mu.Unlock()
	if m.dispatchFn == nil {
		return nil
	}
	return m.dispatchFn(ctx, task)
}

func (m *mockDispatcher) dispatched() []model.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Task(nil), m.tasks...)
}
