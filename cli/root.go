// Package cli implements the petalvoice command line.
package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalvoice/config"
	"github.com/petal-labs/petalvoice/dependency"
)

// NewRootCmd builds the command tree.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "petalvoice",
		Short: "Voice assistant tool server",
		Long:  "petalvoice hosts device sessions and dispatches assistant tool calls to plugins, devices, and capability servers.",
		// SilenceUsage prevents printing usage on every error
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "Path to petalvoice.yaml")
	root.PersistentFlags().Bool("verbose", false, "Enable debug logging")
	root.PersistentFlags().Bool("quiet", false, "Only log errors")

	root.Version = version
	root.SetVersionTemplate(fmt.Sprintf("petalvoice version %s\n", version))
	dependency.Version = version

	root.AddCommand(NewServeCmd())
	root.AddCommand(NewToolsCmd())
	return root
}

// loadConfig resolves the config file and builds the logger it describes.
// Logs go to the command's stderr.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	explicit, _ := cmd.Flags().GetString("config")
	cfg, path, err := config.Load(explicit)
	if err != nil {
		return nil, nil, exitError(exitConfig, "loading config: %v", err)
	}

	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.Log.Level = "debug"
	}
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		cfg.Log.Level = "error"
	}
	logger := cfg.Log.NewLogger(cmd.ErrOrStderr())
	if path != "" {
		logger.Debug("config loaded", "path", path)
	}
	return &cfg, logger, nil
}
