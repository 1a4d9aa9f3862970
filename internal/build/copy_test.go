package build

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestResolveDest(t *testing.T) {
	tests := []struct {
		name    string
		to      string
		workdir string
		dest    string
		wantErr bool
	}{
		{
			name: "absolute dest",
			to:   "/opt/file.txt",
			dest: "/opt/file.txt",
		},
		{
			name:    "relative dest with workdir",
			to:      "out/",
			workdir: "/app",
			dest:    "/app/out",
		},
		{
			name:    "absolute dest ignores workdir",
			to:      "/indexify/config/indexify.yaml",
			workdir: "/indexify",
			dest:    "/indexify/config/indexify.yaml",
		},
		{
			name:    "relative dest without workdir",
			to:      "out/",
			wantErr: true,
		},
		{
			name:    "root",
			to:      "/",
			wantErr: true,
		},
		{
			name:    "climbs to root",
			to:      "..",
			workdir: "/app",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dest, err := resolveDest(tt.to, tt.workdir)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if dest != tt.dest {
				t.Errorf("dest = %q, want %q", dest, tt.dest)
			}
		})
	}
}

func tarNames(t *testing.T, data []byte) map[string]string {
	t.Helper()
	out := make(map[string]string)
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatal(err)
		}
		b, err := io.ReadAll(tr)
		if err != nil {
			t.Fatal(err)
		}
		out[hdr.Name] = string(b)
	}
}

func TestWriteDirToTar(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "bin"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bin", "python"), []byte("py"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("python", filepath.Join(dir, "bin", "python3")); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := writeDirToTar(tw, dir, "venv"); err != nil {
		t.Fatalf("writeDirToTar: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}

	want := map[string]string{
		"venv":             "",
		"venv/bin":         "",
		"venv/bin/python":  "py",
		"venv/bin/python3": "",
	}
	if diff := cmp.Diff(want, tarNames(t, buf.Bytes())); diff != "" {
		t.Fatalf("entries (-want +got):\n%s", diff)
	}
}

func TestWriteFileToTar(t *testing.T) {
	src := filepath.Join(t.TempDir(), "sample_config.yaml")
	if err := os.WriteFile(src, []byte("port: 8900"), 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := writeFileToTar(tw, src, "indexify.yaml"); err != nil {
		t.Fatalf("writeFileToTar: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(map[string]string{"indexify.yaml": "port: 8900"}, tarNames(t, buf.Bytes())); diff != "" {
		t.Fatalf("entries (-want +got):\n%s", diff)
	}
}
