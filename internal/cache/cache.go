// Package cache keeps generated derivatives in object storage, addressed by canonical key
package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/UnendingLoop/ArchiveIIIF/internal/metrics"
	"github.com/UnendingLoop/ArchiveIIIF/internal/model"
	"github.com/UnendingLoop/ArchiveIIIF/internal/mwlogger"
)

const keyPrefix = "derivatives/"

// ObjectStore - то, что кэшу нужно от хранилища
type ObjectStore interface {
	Put(ctx context.Context, key string, size int64, contentType string, r io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, model.ObjectInfo, error)
	Stat(ctx context.Context, key string) (model.ObjectInfo, error)
}

type ArtifactCache struct {
	store ObjectStore
}

func New(store ObjectStore) *ArtifactCache {
	return &ArtifactCache{store: store}
}

// ObjectKey fans keys out over 256 prefixes: derivatives/<2 hex>/<key>.
func ObjectKey(key model.CanonicalKey) string {
	k := string(key)
	if len(k) < 2 {
		return keyPrefix + k
	}
	return keyPrefix + k[:2] + "/" + k
}

// Get returns the stored derivative or model.ErrCacheMiss.
func (c *ArtifactCache) Get(ctx context.Context, key model.CanonicalKey) (*model.Derivative, error) {
	body, info, err := c.store.Get(ctx, ObjectKey(key))
	if err != nil {
		if errors.Is(err, model.ErrObjectNotFound) {
			metrics.CacheLookups.WithLabelValues("miss").Inc()
			return nil, model.ErrCacheMiss
		}
		return nil, fmt.Errorf("%w: get %s: %v", model.ErrStore, key, err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", model.ErrStore, key, err)
	}
	if info.Size > 0 && int64(len(data)) != info.Size {
		return nil, fmt.Errorf("%w: short read of %s: %d of %d bytes", model.ErrStore, key, len(data), info.Size)
	}

	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return &model.Derivative{Key: key, ContentType: info.ContentType, Data: data}, nil
}

func (c *ArtifactCache) Exists(ctx context.Context, key model.CanonicalKey) (bool, error) {
	_, err := c.store.Stat(ctx, ObjectKey(key))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, model.ErrObjectNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("%w: stat %s: %v", model.ErrStore, key, err)
	}
}

// Put stores d under its key. Re-putting identical bytes is a no-op;
// different bytes under an existing key are rejected with model.ErrCacheConflict
// and the stored object is left untouched.
func (c *ArtifactCache) Put(ctx context.Context, d *model.Derivative) error {
	existing, err := c.Get(ctx, d.Key)
	switch {
	case err == nil:
		if bytes.Equal(existing.Data, d.Data) && existing.ContentType == d.ContentType {
			return nil
		}
		logger := mwlogger.LoggerFromContext(ctx)
		logger.Error().Str("key", string(d.Key)).
			Int64("stored_size", existing.Size()).
			Int64("new_size", d.Size()).
			Msg("Cache conflict: generated bytes differ from the stored artifact")
		return fmt.Errorf("%w: %s", model.ErrCacheConflict, d.Key)
	case !errors.Is(err, model.ErrCacheMiss):
		return err
	}

	if err := c.store.Put(ctx, ObjectKey(d.Key), d.Size(), d.ContentType, bytes.NewReader(d.Data)); err != nil {
		return fmt.Errorf("%w: put %s: %v", model.ErrStore, d.Key, err)
	}
	return nil
}
