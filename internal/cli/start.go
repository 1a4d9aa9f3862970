package cli

import (
	"context"
	"log/slog"

	"github.com/kilnhq/kilnd/internal"
	"github.com/kilnhq/kilnd/internal/server"
	"github.com/kilnhq/kilnd/internal/settings"
)

// Represents the 'kilnd start' command.
type StartCmd struct {
	ContainerdAddress string `help:"Containerd socket address." placeholder:"PATH"`
	Namespace         string `help:"Containerd namespace for images and containers."`
	Snapshotter       string `help:"Containerd snapshotter."`
	CacheDir          string `help:"Root of the artifact cache." placeholder:"DIR"`
	MaxParallel       int    `help:"Upper bound on concurrently executing stages."`
	LogFile           string `help:"Also write logs to this file, rotated by size." placeholder:"PATH"`
}

// Executes the start command.
//
// Starts the daemon on a Unix domain socket and blocks until the context is
// cancelled (e.g. via SIGINT or SIGTERM) or a shutdown command arrives.
func (c *StartCmd) Run(ctx context.Context) error {
	s, err := settings.Load(RootCmd.Config)
	if err != nil {
		return err
	}
	c.apply(&s)

	if s.LogFile != "" {
		f := logFile(s.LogFile)
		defer f.Close()
		configureLogger(f)
	}

	srv, err := server.New(server.Config{
		SocketPath: RootCmd.Socket,
		Settings:   s,
	})
	if err != nil {
		return err
	}

	if err := srv.Start(); err != nil {
		return err
	}

	slog.Info("kilnd is running", "version", internal.VersionString(), "namespace", s.ContainerdNamespace, "snapshotter", s.Snapshotter)

	stopped := make(chan struct{})
	go func() {
		srv.Wait()
		close(stopped)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case <-stopped:
	}
	return srv.Stop()
}

// Overrides settings with the flags that were given.
func (c *StartCmd) apply(s *settings.Settings) {
	if c.ContainerdAddress != "" {
		s.ContainerdAddress = c.ContainerdAddress
	}
	if c.Namespace != "" {
		s.ContainerdNamespace = c.Namespace
	}
	if c.Snapshotter != "" {
		s.Snapshotter = c.Snapshotter
	}
	if c.CacheDir != "" {
		s.CacheDir = c.CacheDir
	}
	if c.MaxParallel > 0 {
		s.MaxParallelStages = c.MaxParallel
	}
	if c.LogFile != "" {
		s.LogFile = c.LogFile
	}
}
