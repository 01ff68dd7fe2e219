package provision

import (
	"context"
	"errors"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/mitchellh/go-ps"

	"github.com/mkraev/ffdist/internal/logger"
)

const (
	// MarkerFilename marks that an installer is running right now to avoid parallel execution.
	MarkerFilename = "ffdist-install-marker.bin"

	// DefaultArtifactMode is the mode applied to installed static libraries.
	DefaultArtifactMode os.FileMode = 0o644

	// DefaultFolderPermissions is used for directories created during a run.
	DefaultFolderPermissions os.FileMode = 0o755

	// baseInstallerExecutable is the installer binary name without extension.
	baseInstallerExecutable = "ffdist-install"

	// markerLifetime is the period after which a stale install marker is ignored.
	markerLifetime = 30 * time.Second
)

// IsInstallerRunningNow checks presence of a marker file and attempts recovery if it looks stale.
func IsInstallerRunningNow(ctx context.Context) bool {
	logger.Debug(ctx, "Checking for the presence of an install marker")

	fileInfo, err := os.Stat(MarkerFilename)
	if err == nil {
		if time.Since(fileInfo.ModTime()) <= markerLifetime {
			return true
		}

		logger.Info(ctx, "The install marker is too old, attempting cleanup")

		if err = terminateProcessByName(installerExecutable()); err != nil {
			return true
		}

		if err = os.Remove(MarkerFilename); err != nil {
			return true
		}

		return false
	}

	if errors.Is(err, os.ErrNotExist) {
		return false
	}

	logger.Infof(ctx, "Unable to read install marker: %v", err)

	return false
}

// terminateProcessByName tries to kill processes with the provided executable name.
func terminateProcessByName(processName string) error {
	processList, err := ps.Processes()
	if err != nil {
		return err
	}

	thisProcessID := os.Getpid()

	for _, process := range processList {
		if process.Pid() == thisProcessID {
			continue
		}

		if process.Executable() != processName {
			continue
		}

		var runningProcess *os.Process

		runningProcess, err = os.FindProcess(process.Pid())
		if err != nil {
			return err
		}

		if err = runningProcess.Kill(); err != nil {
			return err
		}
	}

	return nil
}

// getExecutableExtension returns ".exe" on Windows and "" elsewhere.
func getExecutableExtension() string {
	if strings.Contains(strings.ToLower(runtime.GOOS), "windows") {
		return ".exe"
	}

	return ""
}

func installerExecutable() string {
	return baseInstallerExecutable + getExecutableExtension()
}

// sliceToSet converts a slice to a set for quick lookups.
func sliceToSet[T comparable](elements []T) map[T]struct{} {
	result := make(map[T]struct{}, len(elements))
	for _, value := range elements {
		result[value] = struct{}{}
	}

	return result
}
