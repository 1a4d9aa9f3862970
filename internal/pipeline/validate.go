package pipeline

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/containerd/platforms"
	"github.com/opencontainers/go-digest"
	"github.com/samber/lo"
	"golang.org/x/mod/semver"
	"mvdan.cc/sh/v3/syntax"
)

// Shells whose commands are syntax-checked before execution.
var checkedShells = map[string]bool{"sh": true, "bash": true, "dash": true}

// Checks the pipeline for problems the schema cannot express.
//
// All problems are collected and returned together in a [ValidationError].
// A pipeline that passes is guaranteed to have an acyclic stage graph in
// which every copy names an existing port of an earlier stage.
func (p *Pipeline) Validate() error {
	v := &validator{p: p}

	v.checkPlatforms()
	v.checkToolchains()
	v.checkStages()
	v.checkImage()

	if len(v.problems) == 0 {
		if _, err := p.Graph().TopologicalSort(); err != nil {
			v.add("%v", err)
		}
	}

	if len(v.problems) > 0 {
		return &ValidationError{Problems: v.problems}
	}
	return nil
}

type validator struct {
	p        *Pipeline
	problems []string
}

func (v *validator) add(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (v *validator) checkPlatforms() {
	for _, pl := range v.p.Platforms {
		if _, err := platforms.Parse(pl); err != nil {
			v.add("platform %q: %v", pl, err)
		}
	}
	for _, pl := range duplicates(v.p.Platforms) {
		v.add("platform %q is listed more than once", pl)
	}
}

func (v *validator) checkToolchains() {
	names := lo.Map(v.p.Toolchains, func(t Toolchain, _ int) string { return t.Name })
	for _, n := range duplicates(names) {
		v.add("toolchain %q is declared more than once", n)
	}

	for _, t := range v.p.Toolchains {
		if !semver.IsValid(canonicalVersion(t.Version)) {
			v.add("toolchain %q: version %q is not a semantic version", t.Name, t.Version)
		}

		d, err := digest.Parse(t.Digest)
		if err != nil {
			v.add("toolchain %q: digest: %v", t.Name, err)
		} else if d.Algorithm() != digest.SHA256 {
			v.add("toolchain %q: digest must use sha256, got %s", t.Name, d.Algorithm())
		}

		u, err := url.Parse(t.URL)
		if err != nil || u.Scheme != "https" || u.Host == "" {
			v.add("toolchain %q: url %q must be an https URL", t.Name, t.URL)
		}

		if !isCleanAbs(t.Path) || t.Path == "/" {
			v.add("toolchain %q: path %q must be a clean absolute directory other than /", t.Name, t.Path)
		}
		if t.Bin != "" && (path.IsAbs(t.Bin) || strings.HasPrefix(path.Clean(t.Bin), "..")) {
			v.add("toolchain %q: bin %q must be relative to the toolchain path", t.Name, t.Bin)
		}
	}
}

func (v *validator) checkStages() {
	names := lo.Map(v.p.Stages, func(s Stage, _ int) string { return s.Name })
	for _, n := range duplicates(names) {
		v.add("stage %q is declared more than once", n)
	}

	earlier := make(map[string]Stage)
	for _, s := range v.p.Stages {
		v.checkStage(s, earlier)
		earlier[s.Name] = s
	}
}

func (v *validator) checkStage(s Stage, earlier map[string]Stage) {
	for _, tc := range s.Toolchains {
		if _, ok := v.p.Toolchain(tc); !ok {
			v.add("stage %q: unknown toolchain %q", s.Name, tc)
		}
	}

	ports := lo.Map(s.Outputs, func(p Port, _ int) string { return p.Name })
	for _, n := range duplicates(ports) {
		v.add("stage %q: output %q is declared more than once", s.Name, n)
	}
	for _, p := range s.Outputs {
		if !isCleanAbs(p.Path) || p.Path == "/" {
			v.add("stage %q: output %q path %q must be a clean absolute path other than /", s.Name, p.Name, p.Path)
		}
	}

	shell := "sh"
	for i, step := range s.Steps {
		label := fmt.Sprintf("stage %q step %d", s.Name, i+1)

		if step.Run != "" && step.Copy != nil {
			v.add("%s: run and copy are mutually exclusive", label)
			continue
		}

		if step.IsModifier() && step.Shell != "" {
			shell = step.Shell
		}

		if step.Run != "" {
			stepShell := shell
			if step.Shell != "" {
				stepShell = step.Shell
			}
			v.checkRun(label, stepShell, step.Run)
		}

		if step.Copy != nil {
			v.checkCopy(label, s.Name, *step.Copy, earlier)
		}
	}
}

// Parses the command with the shell grammar when the shell is a known
// POSIX-family shell. Other shells are accepted unchecked.
func (v *validator) checkRun(label, shell, command string) {
	fields := strings.Fields(shell)
	if len(fields) == 0 || !checkedShells[path.Base(fields[0])] {
		return
	}
	lang := syntax.LangPOSIX
	if path.Base(fields[0]) == "bash" {
		lang = syntax.LangBash
	}
	parser := syntax.NewParser(syntax.Variant(lang))
	if _, err := parser.Parse(strings.NewReader(command), ""); err != nil {
		v.add("%s: %v", label, err)
	}
}

func (v *validator) checkCopy(label, stage string, c Copy, earlier map[string]Stage) {
	switch {
	case c.From != "" && c.Src != "":
		v.add("%s: copy takes either from/artifact or src, not both", label)
		return
	case c.From == "" && c.Src == "":
		v.add("%s: copy needs from/artifact or src", label)
		return
	case c.From == "" && c.Artifact != "":
		v.add("%s: artifact %q needs a from stage", label, c.Artifact)
		return
	}

	if c.Src != "" {
		if path.IsAbs(c.Src) || strings.HasPrefix(path.Clean(c.Src), "..") {
			v.add("%s: src %q must stay inside the build context", label, c.Src)
		}
		return
	}

	if c.From == stage {
		v.add("%s: stage cannot copy from itself", label)
		return
	}
	if c.Artifact == "" {
		v.add("%s: copy from %q needs an artifact", label, c.From)
		return
	}

	producer, ok := earlier[c.From]
	if !ok {
		if _, exists := v.p.Stage(c.From); exists {
			v.add("%s: stage %q is declared later; copies must reference earlier stages", label, c.From)
		} else {
			v.add("%s: unknown stage %q", label, c.From)
		}
		return
	}

	if _, ok := producer.Port(c.Artifact); !ok {
		v.add("%s: stage %q has no output %q", label, c.From, c.Artifact)
	}
}

func (v *validator) checkImage() {
	img := v.p.Image

	if _, ok := v.p.Stage(img.Stage); !ok {
		v.add("image: unknown stage %q", img.Stage)
	}
	if len(img.Entrypoint) == 0 || img.Entrypoint[0] == "" {
		v.add("image: entrypoint must name a command")
	}
	if img.Verify.Timeout != "" {
		d, err := time.ParseDuration(img.Verify.Timeout)
		if err != nil {
			v.add("image: verify timeout: %v", err)
		} else if d <= 0 {
			v.add("image: verify timeout must be positive")
		}
	}
	for _, p := range img.Path {
		if !isCleanAbs(p) {
			v.add("image: path entry %q must be a clean absolute path", p)
		}
	}
	if _, ok := img.Env["PATH"]; ok && len(img.Path) > 0 {
		v.add("image: set PATH through env or path, not both")
	}
}

// Returns the values that appear more than once, in first-seen order.
func duplicates(values []string) []string {
	return lo.Uniq(lo.Filter(values, func(v string, _ int) bool { return lo.Count(values, v) > 1 }))
}

func isCleanAbs(p string) bool {
	return path.IsAbs(p) && path.Clean(p) == p
}

// Prefixes the version with "v" as required by semver.
func canonicalVersion(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

// Reports whether err came from pipeline validation.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidPipeline) || errors.Is(err, ErrParse)
}
