// Package source resolves exposure identifiers against the archive, downloads the exact
// content version and decodes it into a normalized pixel buffer.
package source

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/UnendingLoop/ArchiveIIIF/internal/model"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/wb-go/wbf/zlog"
)

// Archive - контракт клиента архива (в тестах подменяется)
type Archive interface {
	Frame(ctx context.Context, frameID string) (FrameMeta, error)
	Download(ctx context.Context, basename string, v FrameVersion, dir string) (string, error)
}

type Resolver struct {
	archive Archive
	files   *Downloads
	dims    *expirable.LRU[string, model.ExposureInfo]
}

// NewResolver - dims кэширует размеры по identifier@version, files держит сами скачанные версии
func NewResolver(archive Archive, files *Downloads, cacheSize int, ttl time.Duration) *Resolver {
	if cacheSize <= 0 {
		cacheSize = 1
	}
	return &Resolver{
		archive: archive,
		files:   files,
		dims:    expirable.NewLRU[string, model.ExposureInfo](cacheSize, nil, ttl),
	}
}

// ParseIdentifier splits "<frame>" or "<frame>:<hdu>".
func ParseIdentifier(id string) (string, int, error) {
	frame, hduStr, found := strings.Cut(id, ":")
	if frame == "" {
		return "", 0, fmt.Errorf("%w: empty frame id in %q", model.ErrInvalidRequest, id)
	}
	if !found {
		return frame, AutoHDU, nil
	}
	hdu, err := strconv.Atoi(hduStr)
	if err != nil || hdu < 0 {
		return "", 0, fmt.Errorf("%w: bad HDU index in %q", model.ErrInvalidRequest, id)
	}
	return frame, hdu, nil
}

// Describe returns the latest content version and intrinsic dimensions of the exposure.
func (r *Resolver) Describe(ctx context.Context, identifier string) (model.ExposureInfo, error) {
	frame, hdu, err := ParseIdentifier(identifier)
	if err != nil {
		return model.ExposureInfo{}, err
	}

	meta, err := r.archive.Frame(ctx, frame)
	if err != nil {
		return model.ExposureInfo{}, err
	}
	latest, ok := meta.Latest()
	if !ok {
		return model.ExposureInfo{}, fmt.Errorf("%w: frame %q has no versions", model.ErrNotFound, frame)
	}

	cacheKey := identifier + "@" + latest.ID.String()
	if info, ok := r.dims.Get(cacheKey); ok {
		return info, nil
	}

	d, err := r.fetch(ctx, frame, meta.Basename, latest, hdu, true)
	if err != nil {
		return model.ExposureInfo{}, err
	}

	info := model.ExposureInfo{
		Identifier: identifier,
		Width:      d.width,
		Height:     d.height,
		Version:    latest.ID.String(),
	}
	r.dims.Add(cacheKey, info)
	return info, nil
}

// Resolve obtains exactly the requested content version and decodes it.
func (r *Resolver) Resolve(ctx context.Context, identifier, version string) (*model.SourceImage, error) {
	frame, hdu, err := ParseIdentifier(identifier)
	if err != nil {
		return nil, err
	}

	meta, err := r.archive.Frame(ctx, frame)
	if err != nil {
		return nil, err
	}
	v, ok := meta.Version(version)
	if !ok {
		return nil, fmt.Errorf("%w: version %q of frame %q is no longer published", model.ErrNotFound, version, frame)
	}

	d, err := r.fetch(ctx, frame, meta.Basename, v, hdu, false)
	if err != nil {
		return nil, err
	}

	return &model.SourceImage{
		Identifier: identifier,
		Version:    version,
		Width:      d.width,
		Height:     d.height,
		Pixels:     d.pixels,
		Stats:      d.stats,
	}, nil
}

func (r *Resolver) fetch(ctx context.Context, frame, basename string, v FrameVersion, hdu int, headerOnly bool) (*decoded, error) {
	path, err := r.files.Path(ctx, frame, basename, v)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open downloaded file: %v", model.ErrUpstream, err)
	}
	defer f.Close()

	return decode(f, hdu, headerOnly)
}

func removeDir(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		zlog.Logger.Warn().Err(err).Str("dir", dir).Msg("Failed to remove temporary directory")
	}
}
