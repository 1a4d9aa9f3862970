package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kilnhq/kilnd/internal/paths"
	"github.com/kilnhq/kilnd/internal/pipeline"
	"github.com/kilnhq/kilnd/internal/settings"
)

// Represents the 'kilnd init' command.
type InitCmd struct {
	File     string `arg:"" optional:"" default:"pipeline.cue" help:"Where to write the pipeline."`
	Force    bool   `short:"f" help:"Overwrite existing files."`
	Settings bool   `help:"Also write the default daemon settings to the --config path."`
}

// Executes the init command.
func (c *InitCmd) Run(ctx context.Context) error {
	if err := writeExample(c.File, c.Force); err != nil {
		return err
	}
	if c.Settings {
		return writeSettings(RootCmd.Config, c.Force)
	}
	return nil
}

// Writes the example pipeline to path, refusing to replace an existing
// file unless force is set.
func writeExample(path string, force bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !force {
		flags |= os.O_EXCL
	}

	f, err := os.OpenFile(path, flags, paths.DefaultFileMode)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%s already exists; use --force to overwrite", path)
	}
	if err != nil {
		return err
	}

	if _, err := f.Write(pipeline.Example); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	slog.Info("pipeline written", "path", path)
	return nil
}

// Writes the default daemon settings to path.
func writeSettings(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists; use --force to overwrite", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), paths.DefaultDirMode); err != nil {
		return err
	}
	if err := settings.Default().Save(path); err != nil {
		return err
	}

	slog.Info("settings written", "path", path)
	return nil
}
