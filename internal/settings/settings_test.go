package settings

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff(Default(), s); diff != "" {
		t.Fatalf("settings differ from defaults (-want +got):\n%s", diff)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeFile(t, `
containerd_namespace = "ci"
snapshotter = "overlayfs"
cache_dir = "/srv/cache"
max_parallel_stages = 2
verify_timeout = "90s"
`)

	s, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := Default()
	want.ContainerdNamespace = "ci"
	want.Snapshotter = "overlayfs"
	want.CacheDir = "/srv/cache"
	want.MaxParallelStages = 2
	want.VerifyTimeout = Duration(90 * time.Second)

	if diff := cmp.Diff(want, s); diff != "" {
		t.Fatalf("settings mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "unknown key", content: `containerd_adress = "/tmp/x.sock"`},
		{name: "bad duration", content: `verify_timeout = "soon"`},
		{name: "zero parallelism", content: `max_parallel_stages = 0`},
		{name: "negative timeout", content: `verify_timeout = "-1s"`},
		{name: "malformed", content: `cache_dir = `},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.content))
			if !errors.Is(err, ErrSettings) {
				t.Fatalf("err = %v, want ErrSettings", err)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	s := Default()
	s.LogFile = "/var/log/kilnd.log"

	if err := s.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(s, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}
