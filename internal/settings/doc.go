// Package settings loads the daemon configuration file.
//
// Settings are read from a TOML file (by default
// $XDG_CONFIG_HOME/kilnd/config.toml). A missing file is not an error: every
// field has a default, and command-line flags override whatever the file
// provides.
//
//	containerd_address   = "/run/containerd/containerd.sock"
//	containerd_namespace = "kilnd"
//	snapshotter          = "overlayfs"
//	cache_dir            = "/var/cache/kilnd"
//	max_parallel_stages  = 4
//	verify_timeout       = "30s"
//	log_file             = "/var/log/kilnd.log"
package settings
