package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mkraev/ffdist/internal/config"
	"github.com/mkraev/ffdist/internal/service/provision"
	"github.com/mkraev/ffdist/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string

	// rootCmd represents the base command that provisions the FFmpeg dist.
	rootCmd = &cobra.Command{
		Use:   "ffdist-install",
		Short: "Download and install the prebuilt FFmpeg dist for this platform",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			options := &provision.Options{
				ConfigPath: configPath,
			}

			buildDir, err := provision.Run(ctx, options)
			if err != nil {
				return err
			}

			// The resolved build path goes to stdout so build scripts can capture it.
			fmt.Println(buildDir)

			return nil
		},
	}
)

// Execute runs the ffdist-install CLI and exits with non-zero status on error.
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
}
