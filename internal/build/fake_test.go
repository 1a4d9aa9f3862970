package build

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/containerd/containerd/v2/core/content"
	"github.com/kilnhq/kilnd/internal/cache"
	"github.com/kilnhq/kilnd/internal/pipeline"
	"github.com/kilnhq/kilnd/internal/runtime"
	"github.com/kilnhq/kilnd/internal/toolchain"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// In-memory container runtime.
//
// Containers hold a flat map of absolute paths. Run steps are interpreted
// as a tiny command language, statements separated by ";":
//
//	write PATH TEXT...   create a file
//	rm PATH              remove a file or tree
//	fail N               exit with code N
//	hang                 block until cancelled
//
// Toolchain install scripts ("tar -x ... -C DEST") unpack a fixed tree
// under DEST. Exported images are JSON files holding the image files and
// config, which VerifyImage reads back.
type fakeRuntime struct {
	mu     sync.Mutex
	events []string
	envs   map[string][]string // Run command to the env it last ran with.
	ids    []string            // Container IDs in start order.
	starts atomic.Int32

	// Self-test behaviour. Defaults to fakeEntrypoint.
	verify func(img fakeImage, args []string, timeout time.Duration) (*runtime.ExecResult, error)
}

type fakeImage struct {
	Files  map[string]string   `json:"files"`
	Config runtime.ImageConfig `json:"config"`
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{envs: make(map[string][]string)}
}

func (rt *fakeRuntime) record(format string, args ...any) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.events = append(rt.events, fmt.Sprintf(format, args...))
}

func (rt *fakeRuntime) log() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return slices.Clone(rt.events)
}

func (rt *fakeRuntime) containerIDs() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return slices.Clone(rt.ids)
}

// Returns the index of the first event with the given prefix, or -1.
func (rt *fakeRuntime) index(prefix string) int {
	return slices.IndexFunc(rt.log(), func(e string) bool { return strings.HasPrefix(e, prefix) })
}

// Returns the index of the last event with the given prefix, or -1.
func (rt *fakeRuntime) lastIndex(prefix string) int {
	events := rt.log()
	for i := len(events) - 1; i >= 0; i-- {
		if strings.HasPrefix(events[i], prefix) {
			return i
		}
	}
	return -1
}

func (rt *fakeRuntime) ResolveBase(_ context.Context, base, platform string) (digest.Digest, error) {
	if base == "" {
		return "", errors.New("empty base")
	}
	return digest.FromString(base), nil
}

func (rt *fakeRuntime) StartContainer(_ context.Context, base, id, platform string) (Container, error) {
	if strings.HasPrefix(base, "missing") {
		return nil, fmt.Errorf("pull %s: not found", base)
	}
	rt.starts.Add(1)
	rt.mu.Lock()
	rt.ids = append(rt.ids, id)
	rt.mu.Unlock()
	name := stageOf(id)
	rt.record("start %s", name)
	return &fakeContainer{rt: rt, name: name, files: make(map[string]string), dirs: map[string]bool{"/": true}}, nil
}

func (rt *fakeRuntime) VerifyImage(ctx context.Context, archive, id, platform string, args []string, timeout time.Duration) (*runtime.ExecResult, error) {
	data, err := os.ReadFile(archive)
	if err != nil {
		return nil, err
	}
	var img fakeImage
	if err := json.Unmarshal(data, &img); err != nil {
		return nil, err
	}
	rt.record("verify %s", strings.Join(args, " "))

	if rt.verify != nil {
		return rt.verify(img, args, timeout)
	}
	return fakeEntrypoint(img, args, timeout)
}

// Behaves like a server binary that loads the file given by --config-path
// and exits 0 only when it holds a listen address.
func fakeEntrypoint(img fakeImage, args []string, _ time.Duration) (*runtime.ExecResult, error) {
	if _, ok := img.Files[args[0]]; !ok {
		return &runtime.ExecResult{ExitCode: 127, Stderr: args[0] + ": not found"}, nil
	}
	i := slices.Index(args, "--config-path")
	if i < 0 || i+1 >= len(args) {
		return &runtime.ExecResult{ExitCode: 2, Stderr: "missing --config-path"}, nil
	}
	cfg, ok := img.Files[args[i+1]]
	if !ok {
		return &runtime.ExecResult{ExitCode: 1, Stderr: "config not found: " + args[i+1]}, nil
	}
	if !strings.HasPrefix(cfg, "listen_addr:") {
		return &runtime.ExecResult{ExitCode: 1, Stderr: "invalid config"}, nil
	}
	return &runtime.ExecResult{Stdout: "config ok"}, nil
}

// Extracts the stage name from a container ID.
func stageOf(id string) string {
	if i := strings.LastIndex(id, "stage-"); i >= 0 {
		return id[i+len("stage-"):]
	}
	return id
}

type fakeContainer struct {
	rt      *fakeRuntime
	name    string
	mu      sync.Mutex
	files   map[string]string
	dirs    map[string]bool
	stopped bool
}

func (c *fakeContainer) Exec(ctx context.Context, shell, command string, env []string, workdir string) (*runtime.ExecResult, error) {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return nil, errors.New("container is stopped")
	}

	c.rt.record("exec %s %s", c.name, command)
	c.rt.mu.Lock()
	c.rt.envs[command] = slices.Clone(env)
	c.rt.mu.Unlock()

	if strings.Contains(command, "tar -x") {
		return c.untar(command), nil
	}

	for _, stmt := range strings.Split(command, ";") {
		fields := strings.Fields(stmt)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "write":
			c.write(fields[1], strings.Join(fields[2:], " "))
		case "rm":
			c.remove(fields[1])
		case "fail":
			code, _ := strconv.Atoi(fields[1])
			return &runtime.ExecResult{ExitCode: code, Stderr: "forced failure"}, nil
		case "hang":
			<-ctx.Done()
			return nil, ctx.Err()
		}
	}
	return &runtime.ExecResult{}, nil
}

// Simulates unpacking a toolchain archive.
func (c *fakeContainer) untar(command string) *runtime.ExecResult {
	fields := strings.Fields(command)
	staged := fields[slices.Index(fields, "-f")+1]
	dest := fields[slices.Index(fields, "-C")+1]

	c.mu.Lock()
	_, ok := c.files[staged]
	c.mu.Unlock()
	if !ok {
		return &runtime.ExecResult{ExitCode: 2, Stderr: "tar: " + staged + ": Cannot open"}
	}

	c.write(path.Join(dest, "bin", "rustc"), "rustc")
	c.write(path.Join(dest, "bin", "cargo"), "cargo")
	c.remove(staged)
	return &runtime.ExecResult{}
}

func (c *fakeContainer) write(p, data string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[path.Clean(p)] = data
}

func (c *fakeContainer) remove(p string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p = path.Clean(p)
	for k := range c.files {
		if k == p || strings.HasPrefix(k, p+"/") {
			delete(c.files, k)
		}
	}
	for k := range c.dirs {
		if k == p || strings.HasPrefix(k, p+"/") {
			delete(c.dirs, k)
		}
	}
}

func (c *fakeContainer) MkdirAll(_ context.Context, dir string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirs[path.Clean(dir)] = true
	return nil
}

func (c *fakeContainer) CopyTo(_ context.Context, r io.Reader, destDir string) error {
	var names []string
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		p := path.Join(destDir, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			c.MkdirAll(context.Background(), p)
		case tar.TypeReg:
			b, err := io.ReadAll(tr)
			if err != nil {
				return err
			}
			c.write(p, string(b))
		}
		names = append(names, p)
	}
	c.rt.record("copyto %s %s", c.name, strings.Join(names, ","))
	return nil
}

func (c *fakeContainer) CopyFrom(_ context.Context, w io.Writer, p string) error {
	c.rt.record("copyfrom %s %s", c.name, p)

	c.mu.Lock()
	p = path.Clean(p)
	base := path.Base(p)
	tw := tar.NewWriter(w)

	// Distinct mtimes on every extraction, as a real container would have.
	now := time.Now()

	var entries []*tar.Header
	var bodies []string
	if data, ok := c.files[p]; ok {
		entries = append(entries, &tar.Header{Typeflag: tar.TypeReg, Name: base, Mode: 0o755, Size: int64(len(data)), ModTime: now})
		bodies = append(bodies, data)
	} else {
		var under []string
		for k := range c.files {
			if strings.HasPrefix(k, p+"/") {
				under = append(under, k)
			}
		}
		if len(under) == 0 && !c.dirs[p] {
			c.mu.Unlock()
			return fmt.Errorf("%s: no such file or directory", p)
		}
		entries = append(entries, &tar.Header{Typeflag: tar.TypeDir, Name: base + "/", Mode: 0o755, ModTime: now})
		bodies = append(bodies, "")

		// Unsorted on purpose: extraction order must not leak into digests.
		for _, k := range under {
			data := c.files[k]
			entries = append(entries, &tar.Header{Typeflag: tar.TypeReg, Name: base + "/" + strings.TrimPrefix(k, p+"/"), Mode: 0o644, Size: int64(len(data)), ModTime: now})
			bodies = append(bodies, data)
		}
	}
	c.mu.Unlock()

	for i, hdr := range entries {
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if _, err := io.WriteString(tw, bodies[i]); err != nil {
			return err
		}
	}
	return tw.Close()
}

func (c *fakeContainer) Exists(_ context.Context, p string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p = path.Clean(p)
	if _, ok := c.files[p]; ok || c.dirs[p] {
		return true, nil
	}
	for k := range c.files {
		if strings.HasPrefix(k, p+"/") {
			return true, nil
		}
	}
	return false, nil
}

func (c *fakeContainer) Stop(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.rt.record("stop %s", c.name)
	return nil
}

func (c *fakeContainer) Export(_ context.Context, p string, cfg runtime.ImageConfig) (ocispec.Descriptor, error) {
	c.mu.Lock()
	img := fakeImage{Files: make(map[string]string, len(c.files)), Config: cfg}
	for k, v := range c.files {
		img.Files[k] = v
	}
	c.mu.Unlock()

	data, err := json.Marshal(img)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return ocispec.Descriptor{}, err
	}
	c.rt.record("export %s", c.name)
	return ocispec.Descriptor{MediaType: ocispec.MediaTypeImageIndex, Digest: digest.FromBytes(data), Size: int64(len(data))}, nil
}

func (c *fakeContainer) Destroy(context.Context) {
	c.rt.record("destroy %s", c.name)
}

// Serves one toolchain archive from memory through the artifact store.
type fakeToolchains struct {
	cache   *cache.Cache
	data    []byte
	fetches atomic.Int32
}

func (f *fakeToolchains) Fetch(ctx context.Context, tc pipeline.Toolchain) (toolchain.Archive, error) {
	f.fetches.Add(1)
	d := digest.FromBytes(f.data)
	if tc.Digest != d.String() {
		return toolchain.Archive{}, &toolchain.DigestError{Name: tc.Name, URL: tc.URL, Expected: tc.Digest, Got: d.String()}
	}
	desc := ocispec.Descriptor{MediaType: "application/octet-stream", Digest: d, Size: int64(len(f.data))}
	if err := content.WriteBlob(ctx, f.cache.Store(), "toolchain-"+tc.Name, bytes.NewReader(f.data), desc); err != nil {
		return toolchain.Archive{}, err
	}
	return toolchain.Archive{Name: tc.Name, Digest: d, Size: desc.Size}, nil
}

// Returns the files of an exported image.
func readImage(t *testing.T, p string) fakeImage {
	t.Helper()
	data, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("read image: %v", err)
	}
	var img fakeImage
	if err := json.Unmarshal(data, &img); err != nil {
		t.Fatalf("decode image: %v", err)
	}
	return img
}
