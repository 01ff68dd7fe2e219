package provision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	goupdate "github.com/doitdistributed/go-update"
	goversion "github.com/hashicorp/go-version"

	"github.com/mkraev/ffdist/internal/archive"
	"github.com/mkraev/ffdist/internal/config"
	"github.com/mkraev/ffdist/internal/domain/dist"
	"github.com/mkraev/ffdist/internal/download"
	"github.com/mkraev/ffdist/internal/logger"
	"github.com/mkraev/ffdist/internal/manifest"
	"github.com/mkraev/ffdist/internal/platform"
	"github.com/mkraev/ffdist/internal/repository/receipt"
)

var (
	// ErrArchiveLayout indicates the extracted archive did not contain the
	// expected payload directory.
	ErrArchiveLayout = errors.New("expected archive layout missing")
	// ErrIncompleteInstall indicates mandatory artifacts are still missing
	// after relocation.
	ErrIncompleteInstall = errors.New("installation incomplete")

	errInstallerAlreadyRunning = errors.New("the installer is already running")
)

const (
	// progressPercentStep is how many percentage points separate progress lines.
	progressPercentStep = 10
	// progressBytesStep is how many received bytes separate progress lines
	// when the total size is unknown.
	progressBytesStep = 16 << 20
)

// Options are inputs accepted by the provisioner entry point.
type Options struct {
	// ConfigPath is the optional path to the settings YAML file.
	ConfigPath string
	// Config overrides ConfigPath entirely when set. Tests and embedders
	// inject settings here instead of going through the filesystem.
	Config *config.Config
	// Target overrides host platform detection when set.
	Target *platform.Target
}

// runner holds the mutable state and helpers for a single provisioning run.
type runner struct {
	cfg            *config.Config     // Validated provisioning settings.
	target         *platform.Target   // Host platform the dist is provisioned for.
	source         *dist.Source       // Where the dist archive is downloaded from.
	layout         *dist.Layout       // Directory structure of this run.
	artifacts      *dist.ArtifactSet  // What the installation must and may contain.
	downloader     *download.Downloader
	receipts       receipt.Repository // Install receipt persistence in the build directory.
	distManifest   *manifest.Manifest // Manifest shipped inside the dist tree, when present.
	archivePath    string             // Where the downloaded archive lands.
	payloadDirname string             // Expected nested directory name inside the archive.
	extractedDir   string             // Extraction intermediate inside the root.
	markerCreated  bool               // Whether this run owns the install marker.
}

// Run executes the provisioner lifecycle and is the public entry point for
// the CLI. On success it returns the build directory path holding lib/ and
// include/.
func Run(ctx context.Context, opts *Options) (string, error) {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "ffdist-install")

	r, err := newRunner(ctx, opts)

	defer r.cleanup(ctx)

	if err != nil {
		return "", err
	}

	buildDir, err := r.Run(ctx)
	if err != nil {
		logger.ErrorKV(ctx, "Provisioning run failed", "error", err)
		return "", err
	}

	logger.InfoKV(ctx, "Provisioning completed", "path", buildDir)

	return buildDir, nil
}

// newRunner prepares the run: platform dispatch first, then the concurrency
// guard, then configuration. Nothing touches the filesystem before the
// platform check has passed.
func newRunner(ctx context.Context, opts *Options) (*runner, error) {
	r := &runner{}

	if opts == nil {
		opts = &Options{}
	}

	target := opts.Target
	if target == nil {
		detected, err := platform.Detect()
		if err != nil {
			return r, err
		}

		target = detected
	}

	r.target = target

	if IsInstallerRunningNow(ctx) {
		return r, errInstallerAlreadyRunning
	}

	installMarker, err := os.Create(MarkerFilename)
	if err != nil {
		return r, err
	}

	if err = installMarker.Close(); err != nil {
		return r, err
	}

	r.markerCreated = true

	cfg := opts.Config
	if cfg == nil {
		cfg, err = config.Load(opts.ConfigPath)
		if err != nil {
			return r, err
		}
	} else if err = config.Validate(cfg); err != nil {
		return r, err
	}

	r.cfg = cfg

	r.layout = &dist.Layout{
		Root:         cfg.RootFolder,
		BuildDirname: cfg.BuildFolder,
	}
	r.artifacts = &dist.ArtifactSet{
		Mandatory: cfg.MandatoryArtifacts,
		Optional:  cfg.OptionalArtifacts,
	}

	if err = r.artifacts.Validate(); err != nil {
		return r, err
	}

	r.source = &dist.Source{
		Repository: cfg.DistRepository,
		Branch:     target.Branch(cfg.DistVersion),
	}

	r.payloadDirname, err = r.source.ExtractedDirname()
	if err != nil {
		return r, err
	}

	r.extractedDir = r.layout.ExtractedDir(r.payloadDirname)
	r.archivePath = r.layout.ArchivePath(r.source.ArchiveFilename())
	r.receipts = receipt.ForBuildDir(r.layout.BuildDir())
	r.downloader = download.New(download.WithTimeout(cfg.Timeout))

	logger.InfoKV(ctx, "Provisioning dist",
		"version", cfg.DistVersion, "target", target.String(), "branch", r.source.Branch)

	return r, nil
}

// Run executes the provisioning pipeline for this runner instance:
//  1. Wipe intermediates a previous run may have left behind.
//  2. Ensure the provisioning root exists.
//  3. Short-circuit when a complete, current installation is present.
//  4. Download the dist archive for the host platform.
//  5. Extract the archive and locate the payload directory.
//  6. Relocate the payload into the build directory.
//  7. Verify completeness and write the install receipt.
func (r *runner) Run(ctx context.Context) (string, error) {
	if err := r.cleanLeftovers(ctx); err != nil {
		return "", err
	}

	if err := r.ensureRoot(ctx); err != nil {
		return "", err
	}

	if r.checkExisting(ctx) {
		return r.layout.BuildDir(), nil
	}

	if err := r.removeStaleBuild(ctx); err != nil {
		return "", err
	}

	if err := r.downloadArchive(ctx); err != nil {
		return "", fmt.Errorf("download dist archive: %w", err)
	}

	if err := r.extractArchive(ctx); err != nil {
		return "", fmt.Errorf("extract dist archive: %w", err)
	}

	if err := r.locatePayload(ctx); err != nil {
		return "", err
	}

	if err := r.relocate(ctx); err != nil {
		return "", fmt.Errorf("relocate dist payload: %w", err)
	}

	if err := r.verifyAndRecord(ctx); err != nil {
		return "", err
	}

	return r.layout.BuildDir(), nil
}

// cleanLeftovers removes intermediates of previous runs: the extraction
// directory, the downloaded archive and partial downloads. Prior state is
// never trusted or repaired in place.
func (r *runner) cleanLeftovers(ctx context.Context) error {
	if _, err := os.Stat(r.extractedDir); err == nil {
		logger.InfoKV(ctx, "Removing leftover extraction directory", "path", r.extractedDir)

		if err = os.RemoveAll(r.extractedDir); err != nil {
			return fmt.Errorf("remove leftover extraction directory: %w", err)
		}
	}

	for _, path := range []string{r.archivePath, r.archivePath + download.PartialSuffix} {
		if _, err := os.Stat(path); err == nil {
			if err = os.Remove(path); err != nil {
				return fmt.Errorf("remove leftover archive: %w", err)
			}
		}
	}

	return nil
}

// ensureRoot creates the provisioning root. An existing root is fine, any
// other failure surfaces as a directory creation error.
func (r *runner) ensureRoot(_ context.Context) error {
	if err := os.MkdirAll(r.layout.Root, DefaultFolderPermissions); err != nil {
		return fmt.Errorf("create provisioning root %s: %w", r.layout.Root, err)
	}

	return nil
}

// checkExisting reports whether a complete, current installation is already
// present, in which case the whole network path is skipped.
func (r *runner) checkExisting(ctx context.Context) bool {
	result := r.artifacts.Check(r.layout.LibDir())

	if !result.Complete() {
		if len(result.FoundMandatory) == 0 {
			logger.Debug(ctx, "No existing installation found")
		} else {
			logger.InfoKV(ctx, "Existing installation is incomplete",
				"missing", result.MissingMandatory)
		}

		return false
	}

	if r.isReceiptStale(ctx) {
		return false
	}

	logger.InfoKV(ctx, "Existing installation is complete, skipping download",
		"path", r.layout.BuildDir())

	return true
}

// isReceiptStale compares the receipt's installed version against the
// requested one. A missing or unreadable receipt is tolerated: artifact
// presence alone decides then.
func (r *runner) isReceiptStale(ctx context.Context) bool {
	rec, err := r.receipts.Load(ctx)
	if err != nil {
		if !errors.Is(err, receipt.ErrNotFound) {
			logger.Warnf(ctx, "Unable to read install receipt: %v", err)
		}

		return false
	}

	installed, errInstalled := goversion.NewVersion(rec.DistVersion)
	requested, errRequested := goversion.NewVersion(r.cfg.DistVersion)

	// Fall back to a plain comparison when either side does not parse as a
	// semantic version.
	if errInstalled != nil || errRequested != nil {
		if strings.EqualFold(rec.DistVersion, r.cfg.DistVersion) {
			return false
		}

		logger.InfoKV(ctx, "Installed dist version differs from requested, reinstalling",
			"installed", rec.DistVersion, "requested", r.cfg.DistVersion)

		return true
	}

	if !installed.Equal(requested) {
		logger.InfoKV(ctx, "Installed dist version differs from requested, reinstalling",
			"installed", rec.DistVersion, "requested", r.cfg.DistVersion)

		return true
	}

	return false
}

// removeStaleBuild drops remnants of an incomplete or outdated build directory.
func (r *runner) removeStaleBuild(ctx context.Context) error {
	if _, err := os.Stat(r.layout.BuildDir()); err != nil {
		return nil
	}

	logger.InfoKV(ctx, "Removing stale build directory", "path", r.layout.BuildDir())

	if err := os.RemoveAll(r.layout.BuildDir()); err != nil {
		return fmt.Errorf("remove stale build directory: %w", err)
	}

	return nil
}

// downloadArchive fetches the dist archive for the resolved branch.
func (r *runner) downloadArchive(ctx context.Context) error {
	archiveURL, err := r.source.ArchiveURL()
	if err != nil {
		return err
	}

	logger.InfoKV(ctx, "Downloading dist archive", "url", archiveURL)

	return r.downloader.Fetch(ctx, archiveURL, r.archivePath, progressLogger(ctx))
}

// progressLogger returns a callback that logs download progress: every ten
// percentage points when the size is known, every 16 MiB otherwise.
func progressLogger(ctx context.Context) download.ProgressFunc {
	lastStep := int64(-1)

	return func(p download.Progress) {
		if p.Total > 0 {
			percent := p.Received * 100 / p.Total

			if step := percent / progressPercentStep; step > lastStep {
				lastStep = step

				logger.Infof(ctx, "Downloaded %d%% (%d of %d bytes)", percent, p.Received, p.Total)
			}

			return
		}

		if step := p.Received / progressBytesStep; step > lastStep {
			lastStep = step

			logger.Infof(ctx, "Downloaded %d bytes (total size unknown)", p.Received)
		}
	}
}

// extractArchive unpacks the downloaded archive into the provisioning root.
func (r *runner) extractArchive(ctx context.Context) error {
	logger.InfoKV(ctx, "Extracting dist archive", "path", r.archivePath)

	return archive.ExtractTarGz(r.archivePath, r.layout.Root)
}

// locatePayload checks that extraction produced the expected nested
// directory and picks up the dist manifest when the tree carries one.
func (r *runner) locatePayload(ctx context.Context) error {
	info, err := os.Stat(r.extractedDir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf(
			"archive did not contain directory %q, the dist layout is incompatible or the download is corrupted: %w",
			r.payloadDirname, ErrArchiveLayout)
	}

	manifestPath := filepath.Join(r.extractedDir, manifest.Filename)
	if _, err = os.Stat(manifestPath); err != nil {
		logger.Debug(ctx, "Dist tree carries no manifest, artifacts will be installed unverified")
		return nil
	}

	m, err := manifest.Load(manifestPath)
	if err != nil {
		return fmt.Errorf("read dist manifest: %w", err)
	}

	r.distManifest = m

	logger.InfoKV(ctx, "Dist manifest found, artifact checksums will be verified",
		"version", m.DistVersion)

	return nil
}

// relocate moves the payload into the build directory. Static libraries are
// installed through go-update, everything else (headers, docs) is copied
// with permissions preserved.
func (r *runner) relocate(ctx context.Context) error {
	buildDir := r.layout.BuildDir()
	if err := os.MkdirAll(buildDir, DefaultFolderPermissions); err != nil {
		return fmt.Errorf("create build directory: %w", err)
	}

	artifactNames := sliceToSet(slices.Concat(r.artifacts.Mandatory, r.artifacts.Optional))

	return filepath.WalkDir(r.extractedDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(r.extractedDir, path)
		if err != nil {
			return err
		}

		if rel == "." {
			return nil
		}

		target := filepath.Join(buildDir, rel)

		info, err := entry.Info()
		if err != nil {
			return err
		}

		switch {
		case entry.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case !entry.Type().IsRegular():
			return nil
		case rel == manifest.Filename:
			// The manifest is written back as the install receipt only after
			// verification succeeds, never during relocation.
			return nil
		case isLibArtifact(rel, artifactNames):
			return r.applyArtifact(ctx, path, target)
		default:
			return copyFile(path, target, info.Mode().Perm())
		}
	})
}

// isLibArtifact reports whether the payload-relative path is one of the
// configured static libraries under lib/.
func isLibArtifact(rel string, names map[string]struct{}) bool {
	dir, name := filepath.Split(rel)
	if filepath.Clean(dir) != "lib" {
		return false
	}

	_, ok := names[name]

	return ok
}

// applyArtifact installs one static library through go-update: the write is
// atomic, and checked against the dist manifest checksum when one shipped.
func (r *runner) applyArtifact(ctx context.Context, sourcePath, targetPath string) error {
	name := filepath.Base(targetPath)

	logger.DebugKV(ctx, "Installing artifact", "artifact", name)

	data, err := os.ReadFile(filepath.Clean(sourcePath))
	if err != nil {
		return err
	}

	var checksum []byte
	if r.distManifest != nil {
		checksum, err = r.distManifest.ChecksumFor(name)
		if err != nil {
			return err
		}
	}

	// go-update needs an existing target to replace.
	placeholderCreated := false

	if _, err = os.Stat(targetPath); err != nil && os.IsNotExist(err) {
		var placeholder *os.File

		placeholder, err = os.Create(filepath.Clean(targetPath))
		if err != nil {
			return err
		}

		if err = placeholder.Close(); err != nil {
			return err
		}

		placeholderCreated = true
	}

	options := &goupdate.Options{
		TargetPath: targetPath,
		TargetMode: DefaultArtifactMode,
		Checksum:   checksum,
		Hash:       manifest.ChecksumFunction,
	}

	if err = goupdate.Apply(bytes.NewReader(data), *options); err != nil {
		// An empty placeholder left behind would pass the next run's
		// presence check.
		if placeholderCreated {
			_ = os.Remove(targetPath)
		}

		return fmt.Errorf("apply %s: %w", name, err)
	}

	oldFileName := targetPath + ".old"
	if _, err = os.Stat(oldFileName); err == nil {
		_ = os.Remove(oldFileName)
	}

	return nil
}

// copyFile copies one payload file preserving its permissions.
func copyFile(sourcePath, targetPath string, mode os.FileMode) error {
	in, err := os.Open(filepath.Clean(sourcePath))
	if err != nil {
		return err
	}

	defer func() {
		_ = in.Close()
	}()

	out, err := os.OpenFile(filepath.Clean(targetPath), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}

	if _, err = io.Copy(out, in); err != nil {
		_ = out.Close()

		return err
	}

	return out.Close()
}

// verifyAndRecord re-runs the completeness check over the build directory
// and writes the install receipt. Optional artifacts only ever warn.
func (r *runner) verifyAndRecord(ctx context.Context) error {
	result := r.artifacts.Check(r.layout.LibDir())

	for _, name := range result.MissingOptional {
		logger.WarnKV(ctx, "Optional artifact missing", "artifact", name)
	}

	if !result.Complete() {
		return fmt.Errorf("mandatory artifacts %v not found under %s: %w",
			result.MissingMandatory, r.layout.LibDir(), ErrIncompleteInstall)
	}

	logger.InfoKV(ctx, "All mandatory artifacts are present",
		"count", len(result.FoundMandatory), "path", r.layout.LibDir())

	for _, name := range result.FoundOptional {
		logger.InfoKV(ctx, "Optional artifact present", "artifact", name)
	}

	rec := r.distManifest
	if rec == nil {
		rec = manifest.New(r.cfg.DistVersion)
		rec.Mandatory = slices.Clone(r.artifacts.Mandatory)
		rec.Optional = slices.Clone(r.artifacts.Optional)
	} else if rec.DistVersion != r.cfg.DistVersion {
		// The receipt answers "what did this configuration install", so the
		// requested version wins; the payload's own claim is still logged.
		logger.WarnKV(ctx, "Dist manifest version differs from requested",
			"manifest", rec.DistVersion, "requested", r.cfg.DistVersion)

		rec.DistVersion = r.cfg.DistVersion
	}

	if err := r.receipts.Save(ctx, rec); err != nil {
		return fmt.Errorf("write install receipt: %w", err)
	}

	return nil
}

// cleanup removes temporary artifacts and the running marker.
func (r *runner) cleanup(ctx context.Context) {
	if r.markerCreated {
		if _, err := os.Stat(MarkerFilename); err == nil {
			_ = os.Remove(MarkerFilename)
		}
	}

	if r.archivePath != "" {
		if _, err := os.Stat(r.archivePath); err == nil {
			_ = os.Remove(r.archivePath)
		}
	}

	if r.extractedDir != "" {
		if _, err := os.Stat(r.extractedDir); err == nil {
			_ = os.RemoveAll(r.extractedDir)
		}
	}

	logger.Info(ctx, "The installer has been stopped")
}
