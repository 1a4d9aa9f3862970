package paths

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

const (

	// Name used for directory and file naming.
	daemonName = "kilnd"

	// Default permission mode for directories.
	DefaultDirMode os.FileMode = 0755

	// Default permission mode for files.
	DefaultFileMode os.FileMode = 0644
)

// Path to the directory for runtime files (sockets, PIDs).
//
//	Linux:   $XDG_RUNTIME_DIR/kilnd or /run/user/<uid>/kilnd
//	macOS:   ~/Library/Caches/kilnd/run
func Runtime() string {
	if xdg.RuntimeDir != "" {
		return filepath.Join(xdg.RuntimeDir, daemonName)
	}
	return filepath.Join(xdg.CacheHome, daemonName, "run")
}

// Default path to the Unix domain socket for CLI-to-daemon communication.
func Socket() string {
	return filepath.Join(Runtime(), daemonName+".sock")
}

// Default path to the PID file.
func PIDFile() string {
	return filepath.Join(Runtime(), daemonName+".pid")
}

// Default path to the daemon settings file.
//
//	Linux:   $XDG_CONFIG_HOME/kilnd/config.toml
//	macOS:   ~/Library/Application Support/kilnd/config.toml
func ConfigFile() string {
	return filepath.Join(xdg.ConfigHome, daemonName, "config.toml")
}

// Default root of the build cache.
//
//	Linux:   $XDG_CACHE_HOME/kilnd
//	macOS:   ~/Library/Caches/kilnd
func Cache() string {
	return filepath.Join(xdg.CacheHome, daemonName)
}

// Directory of the content-addressed blob store under a cache root.
func ContentStore(cacheRoot string) string {
	return filepath.Join(cacheRoot, "content")
}

// Directory of the cache index records under a cache root.
func CacheIndex(cacheRoot string) string {
	return filepath.Join(cacheRoot, "index")
}
