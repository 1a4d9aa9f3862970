package toolchain

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/containerd/containerd/v2/core/content"
	"github.com/containerd/errdefs"
	"github.com/kilnhq/kilnd/internal/cache"
	"github.com/kilnhq/kilnd/internal/errs"
	"github.com/kilnhq/kilnd/internal/pipeline"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"
)

// Default time limit for a single download.
const DefaultTimeout = 10 * time.Minute

// A verified toolchain archive in the content store.
type Archive struct {
	Name        string
	Digest      digest.Digest
	Size        int64
	Compression Compression
}

// Downloads toolchain archives into the artifact cache.
type Fetcher struct {
	cache  *cache.Cache
	client *http.Client
	group  singleflight.Group
}

// Creates a fetcher storing archives in c. A nil client uses a client with
// [DefaultTimeout].
func NewFetcher(c *cache.Cache, client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &Fetcher{cache: c, client: client}
}

// Returns the verified archive for tc, downloading it when the content
// store does not already hold the pinned digest.
func (f *Fetcher) Fetch(ctx context.Context, tc pipeline.Toolchain) (Archive, error) {
	expected, err := digest.Parse(tc.Digest)
	if err != nil {
		return Archive{}, errs.Wrapf(ErrFetch, "toolchain %s: %w", tc.Name, err)
	}

	v, err, shared := f.group.Do(expected.String(), func() (any, error) {
		return f.fetch(ctx, tc, expected)
	})
	if err != nil {
		return Archive{}, err
	}
	if shared {
		slog.Debug("toolchain download shared", "toolchain", tc.Name)
	}

	a := v.(Archive)
	a.Name = tc.Name
	return a, nil
}

func (f *Fetcher) fetch(ctx context.Context, tc pipeline.Toolchain, expected digest.Digest) (Archive, error) {
	store := f.cache.Store()

	if info, err := store.Info(ctx, expected); err == nil {
		slog.Debug("toolchain cached", "toolchain", tc.Name, "digest", expected)
		return f.archive(ctx, tc.Name, expected, info.Size)
	}

	slog.Info("downloading toolchain", "toolchain", tc.Name, "version", tc.Version, "url", tc.URL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tc.URL, nil)
	if err != nil {
		return Archive{}, errs.Wrapf(ErrFetch, "toolchain %s: %w", tc.Name, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Archive{}, errs.Wrapf(ErrFetch, "toolchain %s: %w", tc.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Archive{}, errs.Wrapf(ErrFetch, "toolchain %s: GET %s: %s", tc.Name, tc.URL, resp.Status)
	}

	ref := fmt.Sprintf("kilnd-toolchain-%s", expected.Encoded())
	w, err := store.Writer(ctx, content.WithRef(ref))
	if err != nil {
		return Archive{}, errs.Wrapf(ErrFetch, "toolchain %s: %w", tc.Name, err)
	}
	defer w.Close()

	got := digest.Canonical.Digester()
	size, err := io.Copy(io.MultiWriter(w, got.Hash()), resp.Body)
	if err != nil {
		_ = store.Abort(ctx, ref)
		return Archive{}, errs.Wrapf(ErrFetch, "toolchain %s: %w", tc.Name, err)
	}

	if got.Digest() != expected {
		_ = store.Abort(ctx, ref)
		return Archive{}, &DigestError{
			Name:     tc.Name,
			URL:      tc.URL,
			Expected: expected.String(),
			Got:      got.Digest().String(),
		}
	}

	if err := w.Commit(ctx, size, expected); err != nil && !errdefs.IsAlreadyExists(err) {
		return Archive{}, errs.Wrapf(ErrFetch, "toolchain %s: %w", tc.Name, err)
	}

	slog.Info("toolchain verified", "toolchain", tc.Name, "digest", expected, "size", size)
	return f.archive(ctx, tc.Name, expected, size)
}

func (f *Fetcher) archive(ctx context.Context, name string, dgst digest.Digest, size int64) (Archive, error) {
	rc, err := f.cache.Open(ctx, dgst)
	if err != nil {
		return Archive{}, err
	}
	defer rc.Close()

	comp, err := Sniff(rc)
	if err != nil {
		return Archive{}, errs.Wrapf(ErrFetch, "toolchain %s: %w", name, err)
	}

	return Archive{Name: name, Digest: dgst, Size: size, Compression: comp}, nil
}
