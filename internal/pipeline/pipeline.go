package pipeline

import (
	"path"
	"time"
)

// Classifies a run step for error reporting.
type Phase string

const (
	PhaseProvision Phase = "provision" // System package installation.
	PhaseCompile   Phase = "compile"   // Source compilation.
	PhasePackage   Phase = "package"   // Interpreter environment packaging.
)

// Prefix of a base image reference that names a local OCI archive instead
// of a registry image.
const ArchivePrefix = "oci-archive:"

// A complete build specification.
type Pipeline struct {
	Name       string      `json:"name"`
	Platforms  []string    `json:"platforms,omitempty"`  // Target platforms. Empty means the host platform.
	Toolchains []Toolchain `json:"toolchains,omitempty"` // Pinned toolchains available to stages.
	Stages     []Stage     `json:"stages"`
	Image      Image       `json:"image"`
}

// A compiler toolchain pinned to a content digest.
//
// The archive at URL is downloaded once, verified against Digest, and
// extracted into every stage that lists the toolchain by name. It is never
// executed as an installer.
type Toolchain struct {
	Name    string            `json:"name"`
	Version string            `json:"version"`
	URL     string            `json:"url"`
	Digest  string            `json:"digest"`          // "sha256:<hex>" of the archive.
	Path    string            `json:"path"`            // Installation directory inside the stage.
	Strip   int               `json:"strip,omitempty"` // Leading path components removed on extraction.
	Bin     string            `json:"bin,omitempty"`   // Directory under Path prepended to PATH.
	Env     map[string]string `json:"env,omitempty"`   // Variables exported to the stage's steps.
}

// Returns the directory prepended to PATH, or "" when the toolchain
// declares no bin directory.
func (t Toolchain) BinDir() string {
	if t.Bin == "" {
		return ""
	}
	return path.Join(t.Path, t.Bin)
}

// A named, isolated filesystem that runs steps and publishes ports.
type Stage struct {
	Name       string            `json:"name"`
	From       string            `json:"from"`                 // Base image reference or "oci-archive:<path>".
	Toolchains []string          `json:"toolchains,omitempty"` // Names of pinned toolchains installed before the steps.
	Env        map[string]string `json:"env,omitempty"`        // Build-time environment for every step.
	Steps      []Step            `json:"steps"`
	Outputs    []Port            `json:"outputs,omitempty"`
}

// Returns the output port with the given name.
func (s Stage) Port(name string) (Port, bool) {
	for _, p := range s.Outputs {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

// Returns the names of the stages this stage copies from, in first-use
// order and without duplicates.
func (s Stage) Dependencies() []string {
	var deps []string
	seen := make(map[string]bool)
	for _, step := range s.Steps {
		if step.Copy == nil || step.Copy.From == "" || seen[step.Copy.From] {
			continue
		}
		seen[step.Copy.From] = true
		deps = append(deps, step.Copy.From)
	}
	return deps
}

// A named artifact published by a stage.
type Port struct {
	Name string `json:"name"`
	Path string `json:"path"` // Absolute path of the file or directory in the stage.
}

// A single build step.
//
// A step with Run executes a shell command; a step with Copy transfers an
// artifact. A step with neither is a modifier: its Shell, Workdir, and Env
// persist for the remaining steps of the stage. On an operation step the
// same fields apply to that step only.
type Step struct {
	Phase   Phase             `json:"phase,omitempty"`
	Run     string            `json:"run,omitempty"`
	Copy    *Copy             `json:"copy,omitempty"`
	Shell   string            `json:"shell,omitempty"`
	Workdir string            `json:"workdir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Returns the step's phase, defaulting to provision.
func (s Step) EffectivePhase() Phase {
	if s.Phase == "" {
		return PhaseProvision
	}
	return s.Phase
}

// Returns true if the step only modifies state.
func (s Step) IsModifier() bool {
	return s.Run == "" && s.Copy == nil
}

// Transfers an artifact into the stage.
//
// Either From and Artifact name a port of an earlier stage, or Src names a
// path in the build context. To is the destination; its base name becomes
// the name of the copied file or directory, so a copy may rename.
type Copy struct {
	From     string `json:"from,omitempty"`
	Artifact string `json:"artifact,omitempty"`
	Src      string `json:"src,omitempty"`
	To       string `json:"to"`
}

// Returns true if the copy reads from another stage.
func (c Copy) IsStageCopy() bool {
	return c.From != ""
}

// The final image declaration.
type Image struct {
	Stage      string            `json:"stage"`             // Stage whose filesystem becomes the image.
	Env        map[string]string `json:"env,omitempty"`     // Runtime environment bindings.
	Path       []string          `json:"path,omitempty"`    // Directories prepended to PATH, in order.
	Workdir    string            `json:"workdir,omitempty"` // Working directory of the entrypoint.
	Entrypoint []string          `json:"entrypoint"`        // Process started when the image runs.
	Forbid     []string          `json:"forbid,omitempty"`  // Paths that must not exist in the image.
	Verify     Verify            `json:"verify,omitempty"`  // Self-test settings.
}

// Self-test settings. The entrypoint is executed with Args appended and must
// exit 0 within Timeout.
type Verify struct {
	Args    []string `json:"args,omitempty"`
	Timeout string   `json:"timeout,omitempty"`
}

// Returns the verification timeout, or def when none is declared.
//
// The value is checked by Validate; an unparseable value also yields def.
func (v Verify) TimeoutOr(def time.Duration) time.Duration {
	if v.Timeout == "" {
		return def
	}
	d, err := time.ParseDuration(v.Timeout)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Returns the command executed by the self-test.
func (i Image) VerifyCommand() []string {
	cmd := make([]string, 0, len(i.Entrypoint)+len(i.Verify.Args))
	cmd = append(cmd, i.Entrypoint...)
	return append(cmd, i.Verify.Args...)
}

// Returns the stage with the given name.
func (p *Pipeline) Stage(name string) (Stage, bool) {
	for _, s := range p.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return Stage{}, false
}

// Returns the toolchain with the given name.
func (p *Pipeline) Toolchain(name string) (Toolchain, bool) {
	for _, t := range p.Toolchains {
		if t.Name == name {
			return t, true
		}
	}
	return Toolchain{}, false
}
