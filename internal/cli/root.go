package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/kilnhq/kilnd/internal"
	"github.com/kilnhq/kilnd/internal/paths"
)

// Represents the root command for kilnd.
var RootCmd struct {
	Quiet    bool        `short:"q" help:"Suppress informational output."`
	Verbose  bool        `short:"v" help:"Enable verbose output."`
	Debug    bool        `short:"d" help:"Enable debug output."`
	Socket   string      `short:"s" help:"Override the default Unix socket path." placeholder:"PATH"`
	Config   string      `short:"c" help:"Daemon settings file." default:"${config}" placeholder:"PATH"`
	Start    StartCmd    `cmd:"" help:"Start the daemon."`
	Build    BuildCmd    `cmd:"" help:"Execute a pipeline."`
	Validate ValidateCmd `cmd:"" help:"Validate a pipeline and print its execution plan."`
	Status   StatusCmd   `cmd:"" help:"Show daemon status."`
	Stop     StopCmd     `cmd:"" help:"Stop the daemon."`
	Init     InitCmd     `cmd:"" help:"Write an example pipeline."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`
}

// Parses arguments, configures logging, and runs the selected subcommand.
func Execute() error {

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(&RootCmd,
		kong.Name(internal.Name),
		kong.Description("The kiln build daemon.\n\nExecutes multi-stage build pipelines against containerd and self-tests the resulting image."),
		kong.UsageOnError(),
		kong.Vars{
			"version": internal.VersionString(),
			"config":  paths.ConfigFile(),
		},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	configureLogger(nil)

	return kongCtx.Run()
}
