package runtime

import (
	"testing"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

func TestManifestGCLabels(t *testing.T) {
	m := ocispec.Manifest{
		Config: ocispec.Descriptor{
			Digest: digest.FromString("config"),
		},
		Layers: []ocispec.Descriptor{
			{Digest: digest.FromString("layer0")},
			{Digest: digest.FromString("layer1")},
		},
	}

	labels := manifestGCLabels(m)

	configLabel := labels["containerd.io/gc.ref.content.config"]
	if configLabel != m.Config.Digest.String() {
		t.Fatalf("config label = %q, want %q", configLabel, m.Config.Digest.String())
	}

	for i, layer := range m.Layers {
		key := "containerd.io/gc.ref.content.l." + string(rune('0'+i))
		got := labels[key]
		if got != layer.Digest.String() {
			t.Fatalf("labels[%q] = %q, want %q", key, got, layer.Digest.String())
		}
	}

	if len(labels) != 3 {
		t.Fatalf("len(labels) = %d, want 3", len(labels))
	}
}

func TestManifestGCLabelsNoLayers(t *testing.T) {
	m := ocispec.Manifest{
		Config: ocispec.Descriptor{
			Digest: digest.FromString("config-only"),
		},
	}

	labels := manifestGCLabels(m)
	if len(labels) != 1 {
		t.Fatalf("len(labels) = %d, want 1", len(labels))
	}
	if labels["containerd.io/gc.ref.content.config"] != m.Config.Digest.String() {
		t.Fatal("config label mismatch")
	}
}

func TestApplyConfig(t *testing.T) {
	config := ocispec.Image{}
	config.Config.Entrypoint = []string{"/bin/bash"}
	config.Config.Cmd = []string{"-l"}
	config.Config.Env = []string{"PATH=/usr/bin:/bin"}
	config.Config.WorkingDir = "/"

	applyConfig(&config, ImageConfig{
		Entrypoint: []string{"/indexify/indexify", "server"},
		Env:        []string{"PATH=/venv/bin:${PATH}", "RUST_LOG=info"},
		WorkingDir: "/indexify",
		Labels:     map[string]string{"org.opencontainers.image.title": "indexify"},
		History:    "stage runtime",
	})

	if got := config.Config.Entrypoint; len(got) != 2 || got[0] != "/indexify/indexify" {
		t.Fatalf("entrypoint = %v", got)
	}
	if config.Config.Cmd != nil {
		t.Fatalf("cmd = %v, want nil", config.Config.Cmd)
	}
	want := []string{"PATH=/venv/bin:/usr/bin:/bin", "RUST_LOG=info"}
	if len(config.Config.Env) != 2 || config.Config.Env[0] != want[0] || config.Config.Env[1] != want[1] {
		t.Fatalf("env = %v, want %v", config.Config.Env, want)
	}
	if config.Config.WorkingDir != "/indexify" {
		t.Fatalf("workdir = %q", config.Config.WorkingDir)
	}
	if config.Config.Labels["org.opencontainers.image.title"] != "indexify" {
		t.Fatalf("labels = %v", config.Config.Labels)
	}
	if len(config.History) != 1 || config.History[0].Comment != "stage runtime" {
		t.Fatalf("history = %v", config.History)
	}
}

func TestApplyConfigKeepsBase(t *testing.T) {
	config := ocispec.Image{}
	config.Config.Entrypoint = []string{"/bin/sh"}
	config.Config.WorkingDir = "/srv"

	applyConfig(&config, ImageConfig{})

	if len(config.Config.Entrypoint) != 1 || config.Config.Entrypoint[0] != "/bin/sh" {
		t.Fatalf("entrypoint = %v", config.Config.Entrypoint)
	}
	if config.Config.WorkingDir != "/srv" {
		t.Fatalf("workdir = %q", config.Config.WorkingDir)
	}
}
