package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/kilnhq/kilnd/internal/build"
	"github.com/kilnhq/kilnd/internal/client"
	"github.com/kilnhq/kilnd/internal/protocol"
)

// Represents the 'kilnd build' command.
type BuildCmd struct {
	File          string            `arg:"" optional:"" default:"pipeline.cue" help:"Pipeline file." type:"existingfile"`
	Root          string            `help:"Build context for host copies. Defaults to the pipeline's directory." placeholder:"DIR"`
	Output        string            `short:"o" default:"dist" help:"Directory for the exported image." placeholder:"DIR"`
	Platform      []string          `short:"p" help:"Target platform, repeatable. Overrides the pipeline's platforms." placeholder:"OS/ARCH"`
	BuildEnv      map[string]string `name:"build-env" short:"e" help:"Extra environment for builder stages." placeholder:"KEY=VALUE"`
	ToolchainRoot string            `env:"KILND_TOOLCHAIN_ROOT" help:"Install toolchains under DIR/<name> instead of their declared paths." placeholder:"DIR"`
	NoCache       bool              `help:"Rebuild every stage. Results are still cached."`
	SkipVerify    bool              `help:"Export without running the entrypoint self-test."`
	JSON          bool              `help:"Print the build result as JSON."`
}

// Executes the build command.
//
// Sends the pipeline to the daemon and prints the per-stage report. Paths
// are resolved here, since the daemon does not share the caller's working
// directory.
func (c *BuildCmd) Run(ctx context.Context) error {
	req, err := c.request()
	if err != nil {
		return err
	}

	result, err := client.New(RootCmd.Socket).Build(ctx, req)

	var failed *protocol.ErrorResult
	if errors.As(err, &failed) && failed.Result != nil {
		result = failed.Result
	}

	if result != nil {
		if c.JSON {
			if perr := printJSON(os.Stdout, result); perr != nil {
				return perr
			}
		} else {
			printReport(os.Stdout, result)
		}
	}

	return err
}

func (c *BuildCmd) request() (*protocol.BuildRequest, error) {
	file, err := filepath.Abs(c.File)
	if err != nil {
		return nil, err
	}
	source, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	root := c.Root
	if root == "" {
		root = filepath.Dir(file)
	}
	if root, err = filepath.Abs(root); err != nil {
		return nil, err
	}

	output, err := filepath.Abs(c.Output)
	if err != nil {
		return nil, err
	}

	return &protocol.BuildRequest{
		Source:        source,
		Filename:      file,
		Root:          root,
		Output:        output,
		Platforms:     c.Platform,
		Env:           c.BuildEnv,
		ToolchainRoot: c.ToolchainRoot,
		NoCache:       c.NoCache,
		SkipVerify:    c.SkipVerify,
	}, nil
}

// Writes the human-readable build report.
func printReport(w io.Writer, r *protocol.BuildResult) {
	for _, pr := range r.Platforms {
		fmt.Fprintf(w, "%s (%s)\n", r.Pipeline, pr.Platform)

		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, s := range pr.Stages {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", s.Name, stateLabel(s), s.Duration.Round(time.Millisecond), s.Key)
			for _, a := range s.Artifacts {
				fmt.Fprintf(tw, "    %s\t%s\t%d bytes\t%s\n", a.Port, a.Name, a.Size, a.Digest)
			}
		}
		tw.Flush()

		if v := pr.Verification; v != nil {
			fmt.Fprintf(w, "  self-test: %s\n", verificationLabel(v))
		}
		if pr.Image != "" {
			fmt.Fprintf(w, "  image: %s\n", pr.Image)
			fmt.Fprintf(w, "  digest: %s\n", pr.Digest)
		}
	}
}

func stateLabel(s build.StageReport) string {
	switch {
	case s.Cached:
		return "cached"
	case !s.State.Terminal():
		return string(s.State) + " (not started)"
	}
	return string(s.State)
}

func verificationLabel(v *build.Verification) string {
	cmd := strings.Join(v.Command, " ")
	switch {
	case v.Skipped:
		return "skipped"
	case v.Passed:
		return fmt.Sprintf("passed in %s: %s", v.Duration.Round(time.Millisecond), cmd)
	}
	return fmt.Sprintf("failed with exit code %d: %s", v.ExitCode, cmd)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
