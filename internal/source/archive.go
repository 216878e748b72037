package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/UnendingLoop/ArchiveIIIF/internal/model"
)

// FrameVersion is one stored version of an archive frame.
type FrameVersion struct {
	ID        json.Number `json:"id"`
	Extension string      `json:"extension"`
	URL       string      `json:"url"`
}

type FrameMeta struct {
	Basename   string         `json:"basename"`
	VersionSet []FrameVersion `json:"version_set"`
}

// Latest - архив отдает версии от новой к старой
func (m FrameMeta) Latest() (FrameVersion, bool) {
	if len(m.VersionSet) == 0 {
		return FrameVersion{}, false
	}
	return m.VersionSet[0], true
}

func (m FrameMeta) Version(id string) (FrameVersion, bool) {
	for _, v := range m.VersionSet {
		if v.ID.String() == id {
			return v, true
		}
	}
	return FrameVersion{}, false
}

// ArchiveClient talks to the archive frames API.
type ArchiveClient struct {
	baseURL string
	client  *http.Client
}

func NewArchiveClient(baseURL string, timeout time.Duration) *ArchiveClient {
	return &ArchiveClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Frame fetches the metadata of a frame.
func (a *ArchiveClient) Frame(ctx context.Context, frameID string) (FrameMeta, error) {
	var meta FrameMeta

	endpoint := a.baseURL + "/frames/" + url.PathEscape(frameID) + "/"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return meta, fmt.Errorf("%w: build request: %v", model.ErrUpstream, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return meta, upstreamErr(ctx, err)
	}
	defer closeBody(resp.Body)

	if err := classifyStatus(resp.StatusCode, "frame "+frameID); err != nil {
		return meta, err
	}

	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return meta, fmt.Errorf("%w: failed to parse frame %q metadata: %v", model.ErrUpstream, frameID, err)
	}
	if meta.Basename == "" || len(meta.VersionSet) == 0 {
		return meta, fmt.Errorf("%w: frame %q metadata has no versions", model.ErrUpstream, frameID)
	}
	return meta, nil
}

// Download streams the version into dir and returns the local path.
// The file only appears under its final name once fully written.
func (a *ArchiveClient) Download(ctx context.Context, basename string, v FrameVersion, dir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.URL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: build download request: %v", model.ErrUpstream, err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return "", upstreamErr(ctx, err)
	}
	defer closeBody(resp.Body)

	if err := classifyStatus(resp.StatusCode, "download of "+basename); err != nil {
		return "", err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: create download dir: %v", model.ErrUpstream, err)
	}

	final := filepath.Join(dir, filepath.Base(basename+v.Extension))
	inprogress := final + ".inprogress"

	f, err := os.Create(inprogress)
	if err != nil {
		return "", fmt.Errorf("%w: create download file: %v", model.ErrUpstream, err)
	}

	n, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if copyErr == nil && resp.ContentLength > 0 && n != resp.ContentLength {
		copyErr = fmt.Errorf("short body: got %d of %d bytes", n, resp.ContentLength)
	}
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(inprogress)
		return "", upstreamErr(ctx, errors.Join(copyErr, closeErr))
	}

	if err := os.Rename(inprogress, final); err != nil {
		return "", fmt.Errorf("%w: finalize download: %v", model.ErrUpstream, err)
	}
	return final, nil
}

func classifyStatus(code int, what string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound, code == http.StatusGone:
		return fmt.Errorf("%w: %s", model.ErrNotFound, what)
	case code == http.StatusTooManyRequests, code >= 500:
		return fmt.Errorf("%w: %s answered %s", model.ErrUpstream, what, strconv.Itoa(code))
	default:
		// прочие 4xx повторять бессмысленно
		return fmt.Errorf("%w: %s rejected with %s", model.ErrNotFound, what, strconv.Itoa(code))
	}
}

func upstreamErr(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", model.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", model.ErrUpstream, err)
}

func closeBody(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
