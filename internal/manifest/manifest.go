package manifest

import (
	"bytes"
	"crypto"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	// Ensure SHA512 is available for checksum calculation.
	_ "crypto/sha512"
)

const (
	// Filename is the manifest file inside a dist tree. The installer writes
	// the same document into the build directory as the install receipt.
	Filename = "ffdist-manifest.yaml"

	// ChecksumFunction is used to calculate artifact hashes.
	ChecksumFunction crypto.Hash = crypto.SHA512

	// DefaultFileMode is used when writing the manifest: dist metadata is
	// meant to be world-readable.
	DefaultFileMode os.FileMode = 0o644

	// defaultMapCapacity is the default initial capacity for maps.
	defaultMapCapacity = 16
)

var (
	errHashUnavailable  = errors.New("hash function unavailable")
	errManifestIsNotSet = errors.New("manifest is not set")
	// ErrNoChecksum is returned when the manifest has no checksum for an artifact.
	ErrNoChecksum = errors.New("checksum missing for file")
	// ErrChecksumMismatch is returned when a file does not match its recorded checksum.
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// Actor identifies who packaged a dist tree.
type Actor struct {
	// Hostname is the machine the tree was packaged on.
	Hostname string `yaml:"hostname"`
	// Username is the system user who ran the packager.
	Username string `yaml:"username"`
}

// Manifest contains metadata about a packaged dist tree.
type Manifest struct {
	// DistVersion is the FFmpeg dist version of the payload.
	DistVersion string `yaml:"dist_version"`
	// Checksums maps artifact names to their base64-encoded checksums.
	Checksums map[string]string `yaml:"checksums"`
	// Mandatory lists artifacts the installer must find.
	Mandatory []string `yaml:"mandatory"`
	// Optional lists artifacts whose absence the installer tolerates.
	Optional []string `yaml:"optional,omitempty"`
	// PackagedBy records the packaging actor for the audit trail.
	PackagedBy *Actor `yaml:"packaged_by,omitempty"`
	// PackagedAt is the UTC packaging timestamp.
	PackagedAt time.Time `yaml:"packaged_at,omitempty"`
}

// New produces a Manifest for the given dist version.
func New(distVersion string) *Manifest {
	return &Manifest{
		DistVersion: distVersion,
		Checksums:   make(map[string]string, defaultMapCapacity),
	}
}

// DetectActor gathers host and user information for the audit trail.
func DetectActor() (*Actor, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("hostname: %w", err)
	}

	currentUser, err := user.Current()
	if err != nil {
		return nil, fmt.Errorf("current user: %w", err)
	}

	return &Actor{
		Hostname: hostname,
		Username: currentUser.Username,
	}, nil
}

// FileChecksum returns checksum bytes for a file using ChecksumFunction.
func FileChecksum(path string) ([]byte, error) {
	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}

	if !ChecksumFunction.Available() {
		return nil, fmt.Errorf("checksum calculation not possible: %w", errHashUnavailable)
	}

	hasher := ChecksumFunction.New()
	if _, err = hasher.Write(contents); err != nil {
		return nil, fmt.Errorf("calculate checksum: %w", err)
	}

	return hasher.Sum(nil), nil
}

// SetChecksum records the checksum for an artifact, base64-encoded.
func (m *Manifest) SetChecksum(name string, sum []byte) {
	if m.Checksums == nil {
		m.Checksums = make(map[string]string, defaultMapCapacity)
	}

	m.Checksums[name] = base64.StdEncoding.EncodeToString(sum)
}

// ChecksumFor returns the decoded checksum recorded for an artifact.
func (m *Manifest) ChecksumFor(name string) ([]byte, error) {
	encoded, ok := m.Checksums[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNoChecksum)
	}

	sum, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode checksum for %s: %w", name, err)
	}

	return sum, nil
}

// VerifyFile recomputes the checksum of dir/name and compares it with the
// recorded one.
func (m *Manifest) VerifyFile(dir, name string) error {
	want, err := m.ChecksumFor(name)
	if err != nil {
		return err
	}

	got, err := FileChecksum(filepath.Join(dir, name))
	if err != nil {
		return err
	}

	if !bytes.Equal(want, got) {
		return fmt.Errorf("%s: %w", name, ErrChecksumMismatch)
	}

	return nil
}

// Load reads and parses a manifest file.
func Load(path string) (*Manifest, error) {
	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err = yaml.Unmarshal(contents, &m); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}

	return &m, nil
}

// Save writes the manifest to the provided path.
func Save(path string, m *Manifest) error {
	if m == nil {
		return errManifestIsNotSet
	}

	contents, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	if err = os.WriteFile(filepath.Clean(path), contents, DefaultFileMode); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	return nil
}
