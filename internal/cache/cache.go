package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/containerd/containerd/v2/core/content"
	"github.com/containerd/containerd/v2/plugins/content/local"
	"github.com/containerd/errdefs"
	"github.com/kilnhq/kilnd/internal/errs"
	"github.com/kilnhq/kilnd/internal/paths"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Version of the record format. Records with a different version are
// treated as misses.
const RecordVersion = 1

// Media type recorded for artifact blobs.
const MediaTypeArtifact = "application/vnd.kilnd.artifact.v1.tar"

// A stored artifact.
type Artifact struct {
	Port   string        `json:"port"`
	Name   string        `json:"name"` // Root entry name inside the tar stream.
	Digest digest.Digest `json:"digest"`
	Size   int64         `json:"size"`
}

// Maps a stage cache key to the artifacts the stage produced.
type Record struct {
	Version   int           `json:"version"`
	Key       digest.Digest `json:"key"`
	Stage     string        `json:"stage"`
	Artifacts []Artifact    `json:"artifacts"`
	CreatedAt time.Time     `json:"createdAt"`
}

// Returns the artifact published on the given port.
func (r *Record) Artifact(port string) (Artifact, bool) {
	for _, a := range r.Artifacts {
		if a.Port == port {
			return a, true
		}
	}
	return Artifact{}, false
}

// Content-addressed artifact storage plus the stage record index.
//
// Safe for concurrent use. Concurrent writers of the same blob converge on
// one stored copy.
type Cache struct {
	root  string
	index string
	store content.Store
	seq   atomic.Uint64
}

// Opens the cache rooted at root, creating its directories if needed.
func Open(root string) (*Cache, error) {
	index := paths.CacheIndex(root)
	if err := os.MkdirAll(index, paths.DefaultDirMode); err != nil {
		return nil, errs.Wrap(ErrCache, err)
	}

	store, err := local.NewStore(paths.ContentStore(root))
	if err != nil {
		return nil, errs.Wrap(ErrCache, err)
	}

	return &Cache{root: root, index: index, store: store}, nil
}

// Returns the cache root directory.
func (c *Cache) Root() string {
	return c.root
}

// Returns the underlying content store.
func (c *Cache) Store() content.Store {
	return c.store
}

// Normalizes the tar stream and stores it, returning the artifact
// descriptor. The root entry name of the stream becomes the artifact name.
func (c *Cache) Put(ctx context.Context, port string, r io.Reader) (Artifact, error) {
	ref := fmt.Sprintf("kilnd-%s-%d-%d", port, os.Getpid(), c.seq.Add(1))

	w, err := c.store.Writer(ctx, content.WithRef(ref))
	if err != nil {
		return Artifact{}, errs.Wrap(ErrCache, err)
	}
	defer w.Close()

	counter := &countingWriter{w: w}
	name, err := normalize(r, counter)
	if err != nil {
		_ = c.store.Abort(ctx, ref)
		return Artifact{}, err
	}

	if err := w.Commit(ctx, 0, ""); err != nil && !errdefs.IsAlreadyExists(err) {
		return Artifact{}, errs.Wrap(ErrCache, err)
	}

	a := Artifact{
		Port:   port,
		Name:   name,
		Digest: w.Digest(),
		Size:   counter.n,
	}
	slog.Debug("artifact stored", "port", port, "digest", a.Digest, "size", a.Size)
	return a, nil
}

// Opens a stored artifact's tar stream.
func (c *Cache) Open(ctx context.Context, dgst digest.Digest) (io.ReadCloser, error) {
	ra, err := c.store.ReaderAt(ctx, ocispec.Descriptor{MediaType: MediaTypeArtifact, Digest: dgst})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, errs.Wrapf(ErrBlobNotFound, "%s", dgst)
		}
		return nil, errs.Wrap(ErrCache, err)
	}
	return &readerAtCloser{Reader: content.NewReader(ra), closer: ra}, nil
}

// Reports whether the blob is present.
func (c *Cache) Has(ctx context.Context, dgst digest.Digest) bool {
	_, err := c.store.Info(ctx, dgst)
	return err == nil
}

// Returns the record for key.
//
// A missing record, a record of another format version, or a record whose
// blobs are no longer all present is a miss. Unreadable records are
// reported as misses with a warning rather than failing the build.
func (c *Cache) Lookup(ctx context.Context, key digest.Digest) (*Record, bool, error) {
	data, err := os.ReadFile(c.recordPath(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, errs.Wrap(ErrCache, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		slog.Warn("ignoring unreadable cache record", "key", key, "error", err)
		return nil, false, nil
	}
	if rec.Version != RecordVersion || rec.Key != key {
		return nil, false, nil
	}

	for _, a := range rec.Artifacts {
		if !c.Has(ctx, a.Digest) {
			slog.Debug("cache record references missing blob", "key", key, "digest", a.Digest)
			return nil, false, nil
		}
	}

	return &rec, true, nil
}

// Writes the record atomically, replacing any existing record for its key.
func (c *Cache) Record(rec *Record) error {
	if rec == nil || rec.Key == "" {
		return errs.Wrapf(ErrCache, "record has no key")
	}
	rec.Version = RecordVersion
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errs.Wrap(ErrCache, err)
	}
	if err := writeFileAtomic(c.recordPath(rec.Key), data, paths.DefaultFileMode); err != nil {
		return errs.Wrap(ErrCache, err)
	}
	return nil
}

// Index file for key, sharded by the first two hex characters.
func (c *Cache) recordPath(key digest.Digest) string {
	hex := key.Encoded()
	if len(hex) < 2 {
		return filepath.Join(c.index, hex+".json")
	}
	return filepath.Join(c.index, hex[:2], hex+".json")
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, paths.DefaultDirMode); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	_ = tmp.Sync()
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

type readerAtCloser struct {
	io.Reader
	closer io.Closer
}

func (r *readerAtCloser) Close() error {
	return r.closer.Close()
}
