package build

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/containerd/platforms"
	"github.com/google/uuid"
	"github.com/kilnhq/kilnd/internal/cache"
	"github.com/kilnhq/kilnd/internal/errs"
	"github.com/kilnhq/kilnd/internal/paths"
	"github.com/kilnhq/kilnd/internal/pipeline"
	"github.com/kilnhq/kilnd/internal/runtime"
	"github.com/kilnhq/kilnd/internal/toolchain"
	"github.com/opencontainers/go-digest"
)

const (

	// Self-test timeout used when neither the pipeline nor the options
	// set one.
	DefaultVerifyTimeout = 30 * time.Second

	// Stages executing at once when the options do not set a limit.
	DefaultMaxParallel = 4
)

// Filenames of the exported image inside a platform output directory.
const (
	ImageFilename           = "image.tar"            // Passed the self-test.
	RejectedImageFilename   = "image.rejected.tar"   // Failed the self-test.
	UnverifiedImageFilename = "image.unverified.tar" // Self-test skipped.
)

// Supplies verified toolchain archives.
type ToolchainSource interface {
	Fetch(ctx context.Context, tc pipeline.Toolchain) (toolchain.Archive, error)
}

// Controls pipeline execution.
type Options struct {
	Pipeline      *pipeline.Pipeline // Validated pipeline to execute.
	Resource      string             // Prefix for container IDs. Defaults to the pipeline name.
	Output        string             // Directory for the exported image.
	Root          string             // Build context, for resolving host copy sources.
	Platforms     []string           // Overrides the pipeline's platforms. Defaults to the host.
	Env           map[string]string  // Extra environment for every builder stage.
	ToolchainRoot string             // When set, toolchains install under <root>/<name>.
	NoCache       bool               // Skip cache lookups. Results are still recorded.
	SkipVerify    bool               // Export without running the self-test.
	VerifyTimeout time.Duration      // Self-test timeout when the pipeline sets none.
	MaxParallel   int                // Upper bound on concurrently executing stages.
	Cache         *cache.Cache       // Artifact store and stage record index.
	Toolchains    ToolchainSource    // Toolchain archive source.
}

// Outcome of a pipeline run.
type Result struct {
	Pipeline  string           `json:"pipeline"`
	Output    string           `json:"output"`
	Platforms []PlatformResult `json:"platforms"`
}

// Outcome for one target platform.
type PlatformResult struct {
	Platform     string        `json:"platform"`
	Image        string        `json:"image,omitempty"`  // Path of the written archive, if any.
	Digest       digest.Digest `json:"digest,omitempty"` // Digest of the exported image root.
	Stages       []StageReport `json:"stages"`
	Verification *Verification `json:"verification,omitempty"`
}

// Outcome of one stage.
type StageReport struct {
	Name      string           `json:"name"`
	State     State            `json:"state"`
	Cached    bool             `json:"cached,omitempty"`
	Duration  time.Duration    `json:"duration"`
	Key       digest.Digest    `json:"key,omitempty"`
	Artifacts []cache.Artifact `json:"artifacts,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// Outcome of the self-test.
type Verification struct {
	Command  []string      `json:"command"`
	Skipped  bool          `json:"skipped,omitempty"`
	Passed   bool          `json:"passed"`
	ExitCode int           `json:"exitCode"`
	Duration time.Duration `json:"duration"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
}

// Executes a pipeline against the container runtime.
//
// Each target platform is built independently. Within a platform, the
// stages the image stage depends on run in dependency order, independent
// stages concurrently. The image stage is exported and self-tested before
// it is written to the output directory. Verified images of all platforms
// are written together once every platform succeeds; a failed build leaves
// none. The result is returned even when the build fails, so callers can
// report per-stage states.
func Run(ctx context.Context, rt Runtime, opts Options) (*Result, error) {
	if opts.Pipeline == nil {
		return nil, errs.Wrapf(ErrBuild, "no pipeline")
	}
	if err := opts.Pipeline.Validate(); err != nil {
		return nil, err
	}
	if opts.Cache == nil {
		return nil, errs.Wrapf(ErrBuild, "no artifact cache")
	}
	if opts.Toolchains == nil {
		opts.Toolchains = toolchain.NewFetcher(opts.Cache, nil)
	}

	opts = withDefaults(opts)

	slog.Info("executing pipeline",
		"pipeline", opts.Pipeline.Name,
		"output", opts.Output,
		"stages", len(opts.Pipeline.Stages),
		"platforms", opts.Platforms,
	)

	if err := os.MkdirAll(opts.Output, paths.DefaultDirMode); err != nil {
		return nil, errs.Wrap(ErrFileSystemOperation, err)
	}

	id := uuid.NewString()[:8]

	var builds []*platformBuild
	var err error
	for _, platform := range opts.Platforms {
		p := newPlatformBuild(rt, opts, platform, id)
		builds = append(builds, p)
		if _, rerr := p.run(ctx); rerr != nil {
			err = errs.Wrapf(ErrBuild, "platform %s: %w", platform, rerr)
			break
		}
	}

	// Verified images are held back until every platform succeeds.
	if err == nil {
		err = promote(builds)
	}
	if err != nil {
		for _, p := range builds {
			p.discard()
		}
	}

	result := &Result{Pipeline: opts.Pipeline.Name, Output: opts.Output}
	for _, p := range builds {
		result.Platforms = append(result.Platforms, p.result())
	}
	return result, err
}

// Moves every held image to its final name.
func promote(builds []*platformBuild) error {
	for _, p := range builds {
		if err := p.promote(); err != nil {
			return errs.Wrapf(ErrBuild, "platform %s: %w", p.platform, err)
		}
	}
	return nil
}

// Fills unset options.
func withDefaults(opts Options) Options {
	if opts.Resource == "" {
		opts.Resource = opts.Pipeline.Name
	}
	if len(opts.Platforms) == 0 {
		opts.Platforms = opts.Pipeline.Platforms
	}
	if len(opts.Platforms) == 0 {
		opts.Platforms = []string{runtime.DefaultPlatform()}
	}
	opts.Platforms = normalizePlatforms(opts.Platforms)
	if opts.VerifyTimeout <= 0 {
		opts.VerifyTimeout = DefaultVerifyTimeout
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = DefaultMaxParallel
	}
	if opts.Root == "" {
		opts.Root = "."
	}
	return opts
}

// Normalizes platform strings, keeping unparseable ones as given so that
// the runtime reports them.
func normalizePlatforms(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		if parsed, err := platforms.Parse(p); err == nil {
			p = platforms.Format(parsed)
		}
		out = append(out, p)
	}
	return out
}

// Returns the output directory for a specific platform.
//
// When building for a single platform, the output directory is left as-is
// to preserve the {output}/image.tar convention. For multi-platform builds,
// each platform gets a subdirectory (e.g., {output}/linux-amd64).
func platformOutput(opts Options, platform string) string {
	if len(opts.Platforms) == 1 {
		return opts.Output
	}
	return filepath.Join(opts.Output, platformSlug(platform))
}

// Converts a platform string to a filesystem-safe slug.
//
// Replaces slashes with dashes (e.g., "linux/amd64" becomes "linux-amd64").
func platformSlug(platform string) string {
	return strings.ReplaceAll(platform, "/", "-")
}

// Reports whether err means the build was cancelled rather than failed.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
