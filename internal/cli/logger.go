package cli

import (
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/log"
	"github.com/kilnhq/kilnd/internal"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation limits for the daemon log file.
const (
	logFileMaxSize    = 10 // Megabytes.
	logFileMaxBackups = 3
	logFileMaxAge     = 30 // Days.
)

// Creates a logger writing to w at the given level.
//
// Terminals get the colored text format; anything else gets logfmt so the
// output stays parseable. Verbose loggers report timestamps and callers.
func NewLogger(w io.Writer, level slog.Level, verbose bool) *log.Logger {
	formatter := log.LogfmtFormatter
	if f, ok := w.(*os.File); ok && terminal(f) {
		formatter = log.TextFormatter
	}

	return log.NewWithOptions(w, log.Options{
		Level:           charmLevel(level),
		Prefix:          internal.Name,
		Formatter:       formatter,
		ReportTimestamp: verbose,
		ReportCaller:    verbose,
	})
}

// Replaces the global logger according to the CLI flags.
//
// When file is non-nil, records are written to it as well as to stderr.
func configureLogger(file io.Writer) {
	debug := RootCmd.Debug || internal.IsDebug()
	quiet := RootCmd.Quiet || internal.IsQuiet()
	verbose := RootCmd.Verbose || internal.IsVerbose()

	internal.SetDebug(debug)
	internal.SetQuiet(quiet)
	internal.SetVerbose(verbose)

	var w io.Writer = os.Stderr
	if file != nil {
		w = io.MultiWriter(os.Stderr, file)
	}

	slog.SetDefault(slog.New(NewLogger(w, internal.LogLevel(), verbose)))
}

// Returns a rotating writer for the daemon log file.
func logFile(path string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    logFileMaxSize,
		MaxBackups: logFileMaxBackups,
		MaxAge:     logFileMaxAge,
	}
}

func charmLevel(l slog.Level) log.Level {
	switch {
	case l <= slog.LevelDebug:
		return log.DebugLevel
	case l <= slog.LevelInfo:
		return log.InfoLevel
	case l <= slog.LevelWarn:
		return log.WarnLevel
	default:
		return log.ErrorLevel
	}
}

// Whether the given file is an interactive terminal.
func terminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
