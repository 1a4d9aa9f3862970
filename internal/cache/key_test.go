package cache

import (
	"testing"

	"github.com/opencontainers/go-digest"
)

func baseInputs() Inputs {
	return Inputs{
		Stage:      "builder",
		Base:       "docker.io/library/ubuntu:22.04",
		Platform:   "linux/amd64",
		Env:        map[string]string{"A": "1", "B": "2"},
		Toolchains: []digest.Digest{digest.FromString("rust")},
		Steps:      []map[string]string{{"run": "cargo build"}},
		Artifacts:  []digest.Digest{digest.FromString("deps")},
		Outputs:    map[string]string{"bin": "/out/app"},
	}
}

func TestKeyStable(t *testing.T) {
	k1, err := baseInputs().Key()
	if err != nil {
		t.Fatal(err)
	}
	k2, err := baseInputs().Key()
	if err != nil {
		t.Fatal(err)
	}
	if k1 != k2 {
		t.Fatalf("keys differ: %s != %s", k1, k2)
	}
	if k1.Algorithm() != digest.SHA256 {
		t.Fatalf("algorithm = %s", k1.Algorithm())
	}
}

func TestKeySensitivity(t *testing.T) {
	base, err := baseInputs().Key()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		mutate func(*Inputs)
	}{
		{"stage", func(in *Inputs) { in.Stage = "other" }},
		{"base", func(in *Inputs) { in.Base = "docker.io/library/ubuntu:24.04" }},
		{"platform", func(in *Inputs) { in.Platform = "linux/arm64" }},
		{"env value", func(in *Inputs) { in.Env["A"] = "3" }},
		{"env key", func(in *Inputs) { in.Env = map[string]string{"A": "1", "C": "2"} }},
		{"toolchain", func(in *Inputs) { in.Toolchains = []digest.Digest{digest.FromString("rust2")} }},
		{"steps", func(in *Inputs) { in.Steps = []map[string]string{{"run": "cargo build --release"}} }},
		{"artifact", func(in *Inputs) { in.Artifacts = nil }},
		{"source", func(in *Inputs) { in.Sources = []digest.Digest{digest.FromString("src")} }},
		{"outputs", func(in *Inputs) { in.Outputs["bin"] = "/out/other" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := baseInputs()
			tt.mutate(&in)
			k, err := in.Key()
			if err != nil {
				t.Fatal(err)
			}
			if k == base {
				t.Fatal("key unchanged")
			}
		})
	}
}

func TestKeyFieldBoundaries(t *testing.T) {
	a := Inputs{Stage: "ab", Base: "c"}
	b := Inputs{Stage: "a", Base: "bc"}
	ka, _ := a.Key()
	kb, _ := b.Key()
	if ka == kb {
		t.Fatal("field boundaries are ambiguous")
	}
}
