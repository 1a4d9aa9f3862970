package settings

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/kilnhq/kilnd/internal/errs"
	"github.com/kilnhq/kilnd/internal/paths"
	"github.com/pelletier/go-toml/v2"
)

const (

	// Default containerd socket address.
	DefaultContainerdAddress = "/run/containerd/containerd.sock"

	// Default containerd namespace for images and containers.
	DefaultContainerdNamespace = "kilnd"

	// Default snapshotter. fuse-overlayfs gives overlay semantics without
	// mount(2), so the daemon can run unprivileged.
	DefaultSnapshotter = "fuse-overlayfs"

	// Default upper bound on concurrently executing stages.
	DefaultMaxParallelStages = 4

	// Default time allowed for the image self-test.
	DefaultVerifyTimeout = 30 * time.Second
)

var (
	ErrSettings = errors.New("invalid settings")
)

// Daemon settings.
type Settings struct {
	ContainerdAddress   string   `toml:"containerd_address"`
	ContainerdNamespace string   `toml:"containerd_namespace"`
	Snapshotter         string   `toml:"snapshotter"`
	CacheDir            string   `toml:"cache_dir"`
	MaxParallelStages   int      `toml:"max_parallel_stages"`
	VerifyTimeout       Duration `toml:"verify_timeout"`
	LogFile             string   `toml:"log_file"`
}

// A time.Duration that decodes from a TOML string such as "30s".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Returns settings with every field at its default.
func Default() Settings {
	return Settings{
		ContainerdAddress:   DefaultContainerdAddress,
		ContainerdNamespace: DefaultContainerdNamespace,
		Snapshotter:         DefaultSnapshotter,
		CacheDir:            paths.Cache(),
		MaxParallelStages:   DefaultMaxParallelStages,
		VerifyTimeout:       Duration(DefaultVerifyTimeout),
	}
}

// Loads settings from the TOML file at path.
//
// A missing file yields the defaults. Unknown keys are rejected so that
// typos do not silently fall back to defaults.
func Load(path string) (Settings, error) {
	s := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return Settings{}, errs.Wrap(ErrSettings, err)
	}

	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return Settings{}, errs.Wrapf(ErrSettings, "%s: %w", path, err)
	}

	if err := s.validate(); err != nil {
		return Settings{}, errs.Wrapf(ErrSettings, "%s: %w", path, err)
	}

	return s, nil
}

// Writes the settings to path as TOML.
func (s Settings) Save(path string) error {
	data, err := toml.Marshal(s)
	if err != nil {
		return errs.Wrap(ErrSettings, err)
	}
	return os.WriteFile(path, data, paths.DefaultFileMode)
}

func (s Settings) validate() error {
	if s.MaxParallelStages < 1 {
		return errors.New("max_parallel_stages must be at least 1")
	}
	if s.VerifyTimeout <= 0 {
		return errors.New("verify_timeout must be positive")
	}
	if s.CacheDir == "" {
		return errors.New("cache_dir must not be empty")
	}
	return nil
}
