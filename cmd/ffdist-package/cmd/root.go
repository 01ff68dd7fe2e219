package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mkraev/ffdist/internal/config"
	"github.com/mkraev/ffdist/internal/service/packager"
	"github.com/mkraev/ffdist/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string

	// repositoryURL is the Git repository the described tree will be pushed to.
	repositoryURL string

	// rootCmd represents the base command for describing a dist tree.
	rootCmd = &cobra.Command{
		Use:   "ffdist-package [dist-version] [dist-tree]",
		Short: "Prepare the dist manifest for a built FFmpeg tree",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			options := &packager.Options{
				ConfigPath:     configPath,
				DistVersion:    args[0],
				DistRepository: repositoryURL,
				TreePath:       args[1],
			}

			return packager.Run(ctx, options)
		},
	}
)

// Execute runs the ffdist-package CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	rootCmd.Flags().StringVarP(&repositoryURL, "repository", "r", config.DefaultDistRepository, "dist repository URL")
}
