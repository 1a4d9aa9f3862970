// Parses flags and configures logging for kilnd.
//
// The same binary runs the daemon and talks to it:
//
//	kilnd start       Run the daemon in the foreground.
//	kilnd build       Execute a pipeline through the daemon.
//	kilnd validate    Check a pipeline and print its execution plan.
//	kilnd status      Show daemon status.
//	kilnd stop        Ask the daemon to shut down.
//	kilnd init        Write the example pipeline.
//	kilnd version     Show version information.
//
// Global flags:
//
//	-q, --quiet     Suppress informational output.
//	-v, --verbose   Enable verbose output.
//	-d, --debug     Enable debug output.
//	-s, --socket    Unix socket path.
//	-c, --config    Daemon settings file.
//
// Flags override build-time defaults set via linker flags. After parsing, the
// global logger is reconfigured to reflect the final level and verbosity before
// the selected command runs.
package cli
