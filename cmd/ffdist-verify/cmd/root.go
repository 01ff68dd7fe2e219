package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/mkraev/ffdist/internal/config"
	"github.com/mkraev/ffdist/internal/logger"
	"github.com/mkraev/ffdist/internal/service/verify"
	"github.com/mkraev/ffdist/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string

	// quiet limits output to errors, for use in scripts that only care about the exit code.
	quiet bool

	// rootCmd represents the base command that checks an installed dist.
	rootCmd = &cobra.Command{
		Use:   "ffdist-verify",
		Short: "Check an installed FFmpeg dist for completeness",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			if quiet {
				logger.SetLogger(logger.Logger().Desugar().WithOptions(logger.WithLevel(zapcore.ErrorLevel)).Sugar())
			}

			options := &verify.Options{
				ConfigPath: configPath,
			}

			return verify.Run(ctx, options)
		},
	}
)

// Execute runs the ffdist-verify CLI and exits with non-zero status on error.
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
	rootCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "log errors only")
}
