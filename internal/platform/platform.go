package platform

import (
	"errors"
	"fmt"
	"runtime"
)

var (
	// ErrUnsupportedPlatform indicates the host operating system has no automated dist path.
	ErrUnsupportedPlatform = errors.New("unsupported operating system")
	// ErrUnsupportedArch indicates the host CPU architecture has no prebuilt dist.
	ErrUnsupportedArch = errors.New("unsupported CPU architecture")
)

// Target identifies one OS/architecture pair of the dist support matrix.
type Target struct {
	// OS is the operating system token used in dist branch names.
	OS string
	// Arch is the CPU architecture token used in dist branch names.
	Arch string
}

// Detect inspects the host operating system and CPU architecture and returns
// the matching dist target. It touches neither the filesystem nor the
// network, so callers can dispatch on it before doing any work.
func Detect() (*Target, error) {
	return Resolve(runtime.GOOS, runtime.GOARCH)
}

// Resolve validates an explicit OS/architecture pair against the support matrix:
//   - linux and darwin on amd64 or arm64 are provisioned automatically;
//   - windows is refused with guidance, prebuilt dist branches do not cover it;
//   - every non-64-bit architecture is refused outright.
func Resolve(osName, arch string) (*Target, error) {
	switch osName {
	case "linux", "darwin":
	case "windows":
		return nil, fmt.Errorf(
			"automated provisioning does not cover Windows, build inside the project's container environment instead: %w",
			ErrUnsupportedPlatform)
	default:
		return nil, fmt.Errorf("no prebuilt dist exists for %s: %w", osName, ErrUnsupportedPlatform)
	}

	switch arch {
	case "amd64", "arm64":
	default:
		return nil, fmt.Errorf("only 64-bit architectures are supported, host reports %s: %w", arch, ErrUnsupportedArch)
	}

	return &Target{OS: osName, Arch: arch}, nil
}

// Branch returns the dist branch holding the prebuilt payload for the target.
func (t *Target) Branch(version string) string {
	return fmt.Sprintf("ffmpeg-%s-%s-%s", version, t.OS, t.Arch)
}

// String renders the target in the conventional os/arch form.
func (t *Target) String() string {
	return t.OS + "/" + t.Arch
}
