package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds provisioning parameters shared by the ffdist binaries.
type Config struct {
	// DistVersion is the FFmpeg dist version to provision (e.g. "6.0").
	DistVersion string `yaml:"dist_version"`
	// DistRepository is the URL of the repository hosting prebuilt dist branches.
	DistRepository string `yaml:"dist_repository"`
	// RootFolder is the provisioning root holding downloads, extraction
	// intermediates and the build folder.
	RootFolder string `yaml:"root_folder"`
	// BuildFolder is the name of the final build directory under the root.
	// It must be a plain name, not a path.
	BuildFolder string `yaml:"build_folder"`
	// MandatoryArtifacts are static library names that must exist under
	// lib/ for an installation to count as complete.
	MandatoryArtifacts []string `yaml:"mandatory_artifacts"`
	// OptionalArtifacts are static library names that are welcome but whose
	// absence never fails a run.
	OptionalArtifacts []string `yaml:"optional_artifacts"`
	// Timeout bounds every network operation. Zero means no timeout.
	Timeout time.Duration `yaml:"timeout"`
}

const (
	// DefaultConfigFilename is the default filename for provisioning settings.
	DefaultConfigFilename = "ffdist-settings.yaml"

	// DefaultDistVersion is the dist version installed when settings do not say otherwise.
	DefaultDistVersion = "6.0"

	// DefaultDistRepository hosts the prebuilt static FFmpeg branches.
	DefaultDistRepository = "https://github.com/mkraev/ffmpeg-static-dist"

	// DefaultRootFolder is the provisioning root created next to the caller.
	DefaultRootFolder = "ffmpeg"

	// DefaultBuildFolder is the build directory name under the root.
	DefaultBuildFolder = "ffmpeg-static"

	// DefaultFilePermissions is the default file permission for config files.
	DefaultFilePermissions = 0o600
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errVersionRequired is returned when the dist version is missing.
	errVersionRequired = errors.New("dist version must be provided")
	// errRepositoryRequired is returned when the dist repository URL is missing.
	errRepositoryRequired = errors.New("dist repository must be provided")
	// errBuildFolderIsPath is returned when the build folder contains path separators.
	errBuildFolderIsPath = errors.New("build folder must be a plain directory name")
)

// DefaultMandatoryArtifacts lists the static libraries every installation must contain.
func DefaultMandatoryArtifacts() []string {
	return []string{
		"libavcodec.a",
		"libavdevice.a",
		"libavfilter.a",
		"libavformat.a",
		"libavutil.a",
		"libswresample.a",
		"libswscale.a",
	}
}

// DefaultOptionalArtifacts lists the static libraries tolerated but not required.
func DefaultOptionalArtifacts() []string {
	return []string{"libpostproc.a"}
}

// Default returns settings filled with built-in defaults.
func Default() *Config {
	return &Config{
		DistVersion:        DefaultDistVersion,
		DistRepository:     DefaultDistRepository,
		RootFolder:         DefaultRootFolder,
		BuildFolder:        DefaultBuildFolder,
		MandatoryArtifacts: DefaultMandatoryArtifacts(),
		OptionalArtifacts:  DefaultOptionalArtifacts(),
	}
}

// Load reads configuration from the provided path and validates essential fields.
// An empty path means the default filename. A missing file at the default path is
// not an error: built-in defaults are returned, so the tools run on a clean
// checkout without any configuration step.
func Load(path string) (*Config, error) {
	usingDefaultPath := path == "" || path == DefaultConfigFilename
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if usingDefaultPath && errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}

		return nil, fmt.Errorf("read settings: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes settings to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Restrict permissions.
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate checks the provided settings for required fields
// and fills omitted ones with defaults.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if cfg.DistVersion == "" {
		return errVersionRequired
	}

	if cfg.DistRepository == "" {
		return errRepositoryRequired
	}

	if _, err := url.ParseRequestURI(cfg.DistRepository); err != nil {
		return fmt.Errorf("invalid dist repository URL: %w", err)
	}

	if cfg.RootFolder == "" {
		cfg.RootFolder = DefaultRootFolder
	}

	if cfg.BuildFolder == "" {
		cfg.BuildFolder = DefaultBuildFolder
	}

	if strings.ContainsAny(cfg.BuildFolder, `/\`) {
		return errBuildFolderIsPath
	}

	if len(cfg.MandatoryArtifacts) == 0 {
		cfg.MandatoryArtifacts = DefaultMandatoryArtifacts()
	}

	// A present but empty list is a deliberate "no optional artifacts".
	if cfg.OptionalArtifacts == nil {
		cfg.OptionalArtifacts = DefaultOptionalArtifacts()
	}

	if cfg.Timeout < 0 {
		cfg.Timeout = 0
	}

	return nil
}
