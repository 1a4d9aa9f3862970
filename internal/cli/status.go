package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/kilnhq/kilnd/internal/client"
)

// Represents the 'kilnd status' command.
type StatusCmd struct {
	JSON bool `help:"Print the status as JSON."`
}

// Executes the status command.
func (c *StatusCmd) Run(ctx context.Context) error {
	status, err := client.New(RootCmd.Socket).Status(ctx)
	if err != nil {
		return err
	}

	if c.JSON {
		return printJSON(os.Stdout, status)
	}

	fmt.Fprintf(os.Stdout, "kilnd %s (pid %d), up %s\n", status.Version, status.Pid, status.Uptime)
	fmt.Fprintf(os.Stdout, "builds: %d succeeded, %d failed, %d running\n", status.Builds, status.Failed, status.Active)
	return nil
}

// Represents the 'kilnd stop' command.
type StopCmd struct{}

// Executes the stop command.
func (c *StopCmd) Run(ctx context.Context) error {
	if err := client.New(RootCmd.Socket).Shutdown(ctx); err != nil {
		return err
	}
	slog.Info("shutdown requested")
	return nil
}
