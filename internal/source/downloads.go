package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/UnendingLoop/ArchiveIIIF/internal/model"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/wb-go/wbf/zlog"
	"golang.org/x/sync/singleflight"
)

// Downloads keeps fully downloaded archive versions on disk:
//
//	<WORKING_DIR>/archive/<hosthash>/completed/frames/<frame>/versions/<version>/<basename><ext>
//	<WORKING_DIR>/archive/<hosthash>/inprogress/<uuid>/
//
// A version is immutable, so one download serves every dimension lookup and generation of it.
// Files only appear under completed/ once fully written.
type Downloads struct {
	archive Archive
	root    string
	flight  singleflight.Group
}

// NewDownloads - hosthash отделяет кэши разных архивов в одном WORKING_DIR
func NewDownloads(archive Archive, workingDir, archiveURL string) *Downloads {
	host := digest.FromString(archiveURL).Encoded()[:12]
	return &Downloads{
		archive: archive,
		root:    filepath.Join(workingDir, "archive", host),
	}
}

func (d *Downloads) versionDir(frame, version string) string {
	return filepath.Join(d.root, "completed", "frames", filepath.Base(frame), "versions", filepath.Base(version))
}

// Path returns the local file of version v of frame, downloading it at most once
// no matter how many callers ask at the same time.
func (d *Downloads) Path(ctx context.Context, frame, basename string, v FrameVersion) (string, error) {
	dir := d.versionDir(frame, v.ID.String())
	final := filepath.Join(dir, filepath.Base(basename+v.Extension))
	if d.hit(dir, final) {
		return final, nil
	}

	res, err, _ := d.flight.Do(frame+"@"+v.ID.String(), func() (any, error) {
		if d.hit(dir, final) {
			return final, nil
		}

		tmp := filepath.Join(d.root, "inprogress", uuid.NewString())
		defer removeDir(tmp)

		path, err := d.archive.Download(ctx, basename, v, tmp)
		if err != nil {
			return "", err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("%w: create version dir: %v", model.ErrUpstream, err)
		}
		if err := os.Rename(path, final); err != nil {
			return "", fmt.Errorf("%w: move download into cache: %v", model.ErrUpstream, err)
		}
		return final, nil
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// hit - время версии обновляется при каждом чтении, по нему работает Prune
func (d *Downloads) hit(dir, final string) bool {
	if _, err := os.Stat(final); err != nil {
		return false
	}
	now := time.Now()
	_ = os.Chtimes(dir, now, now)
	return true
}

// Prune removes versions nobody read for maxAge and returns how many went away.
func (d *Downloads) Prune(maxAge time.Duration) (int, error) {
	framesDir := filepath.Join(d.root, "completed", "frames")
	frames, err := os.ReadDir(framesDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, f := range frames {
		frameDir := filepath.Join(framesDir, f.Name())
		versions, err := os.ReadDir(filepath.Join(frameDir, "versions"))
		if err != nil {
			continue
		}

		left := len(versions)
		for _, v := range versions {
			info, err := v.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			if err := os.RemoveAll(filepath.Join(frameDir, "versions", v.Name())); err != nil {
				zlog.Logger.Warn().Err(err).Str("frame", f.Name()).Str("version", v.Name()).Msg("Failed to prune downloaded version")
				continue
			}
			removed++
			left--
		}
		if left == 0 {
			_ = os.RemoveAll(frameDir)
		}
	}
	return removed, nil
}

// PruneLoop calls Prune every maxAge/4 until ctx is done.
func (d *Downloads) PruneLoop(ctx context.Context, maxAge time.Duration) {
	if maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(maxAge / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.Prune(maxAge)
			if err != nil {
				zlog.Logger.Warn().Err(err).Msg("Failed to prune downloaded versions")
				continue
			}
			if n > 0 {
				zlog.Logger.Info().Int("pruned", n).Msg("Stale downloaded versions removed")
			}
		}
	}
}

// Sweep removes downloads that died with the previous process.
// Call it before this process starts downloading.
func (d *Downloads) Sweep() (int, error) {
	dir := filepath.Join(d.root, "inprogress")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
