package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/UnendingLoop/ArchiveIIIF/internal/model"
)

type memObject struct {
	data []byte
	ct   string
}

// mockStore - хранилище в памяти, ошибки подменяются через *Err поля
type mockStore struct {
	mu      sync.Mutex
	objects map[string]memObject
	puts    int

	getErr  error
	putErr  error
	statErr error
	// truncate отдаёт на чтение меньше байт, чем заявлено в Size
	truncate bool
}

func newMockStore() *mockStore {
	return &mockStore{objects: map[string]memObject{}}
}

func (m *mockStore) Put(ctx context.Context, key string, size int64, contentType string, r io.Reader) error {
	if m.putErr != nil {
		return m.putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: %d != %d", len(data), size)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memObject{data: data, ct: contentType}
	m.puts++
	return nil
}

func (m *mockStore) Get(ctx context.Context, key string) (io.ReadCloser, model.ObjectInfo, error) {
	if m.getErr != nil {
		return nil, model.ObjectInfo{}, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, model.ObjectInfo{}, model.ErrObjectNotFound
	}
	data := obj.data
	if m.truncate && len(data) > 1 {
		data = data[:len(data)-1]
	}
	return io.NopCloser(bytes.NewReader(data)), model.ObjectInfo{ContentType: obj.ct, Size: int64(len(obj.data))}, nil
}

func (m *mockStore) Stat(ctx context.Context, key string) (model.ObjectInfo, error) {
	if m.statErr != nil {
		return model.ObjectInfo{}, m.statErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return model.ObjectInfo{}, model.ErrObjectNotFound
	}
	return model.ObjectInfo{ContentType: obj.ct, Size: int64(len(obj.data))}, nil
}
