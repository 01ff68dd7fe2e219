package packager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mkraev/ffdist/internal/config"
	"github.com/mkraev/ffdist/internal/domain/dist"
	"github.com/mkraev/ffdist/internal/logger"
	"github.com/mkraev/ffdist/internal/manifest"
	"github.com/mkraev/ffdist/internal/platform"
	"github.com/mkraev/ffdist/internal/service/provision"
)

// Options contains inputs for the packager entry point.
type Options struct {
	// ConfigPath is an optional path to persist dist settings (defaults to ffdist-settings.yaml).
	ConfigPath string
	// DistVersion is the version line the tree was built from.
	DistVersion string
	// DistRepository is the Git repository the dist tree will be pushed to.
	DistRepository string
	// TreePath is the dist tree to describe. Defaults to the current directory.
	TreePath string
	// Target overrides host platform detection when set.
	Target *platform.Target
}

// packager produces the dist manifest consumed by installers.
type packager struct {
	// cfg holds dist identity and artifact expectations.
	cfg *config.Config
	// treePath is the root of the dist tree being described.
	treePath string
	// branch is the dist branch this tree is meant to be pushed as.
	branch string
	// artifacts is what the manifest must and may describe.
	artifacts *dist.ArtifactSet
	// m is the manifest being produced.
	m *manifest.Manifest
}

// errInstallerRunning indicates that an attempt was made to describe a tree
// while the installer is mid-run.
var errInstallerRunning = errors.New("the installer is running now")

// Run executes the packaging workflow.
func Run(ctx context.Context, opts *Options) error {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "ffdist-package")

	cfg := &config.Config{
		DistVersion:    opts.DistVersion,
		DistRepository: opts.DistRepository,
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	pkg, err := newPackager(ctx, opts, cfg)
	if err != nil {
		return fmt.Errorf("initialize packager: %w", err)
	}

	if err = pkg.Run(ctx); err != nil {
		return fmt.Errorf("packager failed: %w", err)
	}

	logger.Info(ctx, "Packager completed successfully")

	return nil
}

// newPackager creates a packager instance for the provided tree and settings.
func newPackager(ctx context.Context, opts *Options, settings *config.Config) (*packager, error) {
	if provision.IsInstallerRunningNow(ctx) {
		return nil, errInstallerRunning
	}

	if err := config.Save(opts.ConfigPath, settings); err != nil {
		return nil, fmt.Errorf("save settings: %w", err)
	}

	target := opts.Target
	if target == nil {
		detected, err := platform.Detect()
		if err != nil {
			return nil, err
		}

		target = detected
	}

	treePath := opts.TreePath
	if treePath == "" {
		treePath = "."
	}

	pkg := &packager{
		cfg:      settings,
		treePath: treePath,
		branch:   target.Branch(settings.DistVersion),
		artifacts: &dist.ArtifactSet{
			Mandatory: settings.MandatoryArtifacts,
			Optional:  settings.OptionalArtifacts,
		},
		m: manifest.New(settings.DistVersion),
	}

	if err := pkg.artifacts.Validate(); err != nil {
		return nil, err
	}

	return pkg, nil
}

// Run populates and writes the dist manifest into the tree.
func (p *packager) Run(ctx context.Context) error {
	logger.InfoKV(ctx, "Describing dist tree", "path", p.treePath, "branch", p.branch)

	if err := p.fillManifest(ctx); err != nil {
		return err
	}

	manifestPath := filepath.Join(p.treePath, manifest.Filename)

	logger.InfoKV(ctx, "Saving dist manifest", "path", manifestPath)

	if err := manifest.Save(manifestPath, p.m); err != nil {
		return err
	}

	p.printNextSteps(ctx)

	return nil
}

// fillManifest records artifact checksums and packaging provenance. A tree
// missing mandatory artifacts must not be described, it would fail every
// install.
func (p *packager) fillManifest(ctx context.Context) error {
	libDir := filepath.Join(p.treePath, "lib")

	result := p.artifacts.Check(libDir)
	if !result.Complete() {
		return fmt.Errorf("mandatory artifacts %v not found under %s: %w",
			result.MissingMandatory, libDir, os.ErrNotExist)
	}

	for _, name := range result.MissingOptional {
		logger.WarnKV(ctx, "Optional artifact missing, it will not be described", "artifact", name)
	}

	if _, err := os.Stat(filepath.Join(p.treePath, "include")); err != nil {
		logger.Warn(ctx, "The tree carries no include directory, header consumers will be left empty-handed")
	}

	for _, name := range append(result.FoundMandatory, result.FoundOptional...) {
		checksum, err := manifest.FileChecksum(filepath.Join(libDir, name))
		if err != nil {
			return err
		}

		p.m.SetChecksum(name, checksum)
	}

	described := p.artifacts.Clone()
	p.m.Mandatory = described.Mandatory
	p.m.Optional = described.Optional

	actor, err := manifest.DetectActor()
	if err != nil {
		return err
	}

	p.m.PackagedBy = actor
	p.m.PackagedAt = time.Now().UTC()

	return nil
}

// printNextSteps logs human-readable guidance for publishing the described tree.
func (p *packager) printNextSteps(ctx context.Context) {
	names := make([]string, 0, len(p.m.Checksums)+1)
	for name := range p.m.Checksums {
		names = append(names, filepath.Join("lib", name))
	}

	names = append(names, manifest.Filename)
	sort.Strings(names)

	var builder strings.Builder

	builder.WriteString("The manifest is ready. Commit the tree and push it as branch ")
	builder.WriteString(p.branch)
	builder.WriteString(" of ")
	builder.WriteString(p.cfg.DistRepository)
	builder.WriteString(".\nDescribed files:\n")

	for i, name := range names {
		if i == 0 {
			builder.WriteString(name)
		} else {
			builder.WriteString(",\n")
			builder.WriteString(name)
		}
	}

	logger.Info(ctx, builder.String())
}
