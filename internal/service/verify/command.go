package verify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/mkraev/ffdist/internal/config"
	"github.com/mkraev/ffdist/internal/domain/dist"
	"github.com/mkraev/ffdist/internal/logger"
	"github.com/mkraev/ffdist/internal/manifest"
	"github.com/mkraev/ffdist/internal/repository/receipt"
	"github.com/mkraev/ffdist/internal/service/provision"
)

// Options are inputs accepted by the verifier entry point.
type Options struct {
	// ConfigPath specifies the path to the settings YAML file.
	ConfigPath string
	// Config overrides ConfigPath entirely when set.
	Config *config.Config
}

// Run checks an existing installation offline and reports its state. It
// returns an error wrapping provision.ErrIncompleteInstall when mandatory
// artifacts are missing, which the CLI turns into a non-zero exit code.
func Run(ctx context.Context, opts *Options) error {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "ffdist-verify")

	if opts == nil {
		opts = &Options{}
	}

	cfg := opts.Config
	if cfg == nil {
		var err error

		cfg, err = config.Load(opts.ConfigPath)
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
	} else if err := config.Validate(cfg); err != nil {
		return err
	}

	layout := &dist.Layout{
		Root:         cfg.RootFolder,
		BuildDirname: cfg.BuildFolder,
	}
	artifacts := &dist.ArtifactSet{
		Mandatory: cfg.MandatoryArtifacts,
		Optional:  cfg.OptionalArtifacts,
	}

	if err := artifacts.Validate(); err != nil {
		return err
	}

	logger.InfoKV(ctx, "Verifying installation",
		"path", layout.BuildDir(), "requested_version", cfg.DistVersion)

	rec := loadReceipt(ctx, layout)
	if rec != nil && rec.DistVersion != cfg.DistVersion {
		logger.WarnKV(ctx, "Installed version differs from requested",
			"installed", rec.DistVersion, "requested", cfg.DistVersion)
	}

	if _, err := os.Stat(layout.IncludeDir()); err != nil {
		logger.WarnKV(ctx, "Header directory is missing", "path", layout.IncludeDir())
	}

	result := artifacts.Check(layout.LibDir())

	for _, name := range result.FoundOptional {
		logger.InfoKV(ctx, "Optional artifact present", "artifact", name)
	}

	for _, name := range result.MissingOptional {
		logger.WarnKV(ctx, "Optional artifact missing", "artifact", name)
	}

	for _, name := range result.MissingMandatory {
		logger.ErrorKV(ctx, "Mandatory artifact missing", "artifact", name)
	}

	if !result.Complete() {
		return fmt.Errorf("mandatory artifacts %v not found under %s: %w",
			result.MissingMandatory, layout.LibDir(), provision.ErrIncompleteInstall)
	}

	if rec != nil {
		if err := verifyChecksums(ctx, rec, layout.LibDir(), result); err != nil {
			return err
		}
	}

	logger.InfoKV(ctx, "Installation is complete",
		"mandatory", len(result.FoundMandatory), "optional", len(result.FoundOptional))

	return nil
}

// loadReceipt reads the install receipt when one is present. Absence is
// normal for trees installed before receipts existed.
func loadReceipt(ctx context.Context, layout *dist.Layout) *manifest.Manifest {
	rec, err := receipt.ForBuildDir(layout.BuildDir()).Load(ctx)
	if err != nil {
		if errors.Is(err, receipt.ErrNotFound) {
			logger.Info(ctx, "No install receipt found, verifying artifact presence only")
		} else {
			logger.Warnf(ctx, "Unable to read install receipt: %v", err)
		}

		return nil
	}

	logger.InfoKV(ctx, "Install receipt found", "installed_version", rec.DistVersion)

	return rec
}

// verifyChecksums revalidates found artifacts against receipt checksums.
// Artifacts without a recorded checksum are skipped.
func verifyChecksums(ctx context.Context, rec *manifest.Manifest, libDir string, result *dist.Completeness) error {
	var mismatched []string

	for _, name := range slices.Concat(result.FoundMandatory, result.FoundOptional) {
		err := rec.VerifyFile(libDir, name)

		switch {
		case err == nil:
			logger.DebugKV(ctx, "Artifact checksum verified", "artifact", name)
		case errors.Is(err, manifest.ErrNoChecksum):
			logger.DebugKV(ctx, "No recorded checksum for artifact", "artifact", name)
		case errors.Is(err, manifest.ErrChecksumMismatch):
			logger.ErrorKV(ctx, "Artifact checksum mismatch", "artifact", name)

			mismatched = append(mismatched, name)
		default:
			return fmt.Errorf("verify %s: %w", name, err)
		}
	}

	if len(mismatched) > 0 {
		return fmt.Errorf("artifacts %v failed checksum verification: %w",
			mismatched, manifest.ErrChecksumMismatch)
	}

	return nil
}
