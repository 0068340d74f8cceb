package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/repofetch/repofetch/pkg/config"
	"github.com/repofetch/repofetch/pkg/logging"
)

var (
	flagLogLevel  string
	flagLogFormat string
	flagProviders []string

	// Settings holds the resolved configuration, available to all
	// subcommands after PersistentPreRunE completes.
	Settings *config.Settings

	// Log is the logger built from Settings.
	Log *logging.Logger
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "repofetch",
		Short: "Fetch and pin repository content",
		Long: `repofetch materializes sources (git and Mercurial repositories, archives,
local directories, npm and PyPI packages, container images) into directories
and reports a short content id for each, optionally pinned in a lockfile.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.LoadSettings(flagOverrides(cmd))
			if err != nil {
				return err
			}
			Settings = s
			Log = logging.New(logging.Options{
				Level:  s.LogLevel,
				Format: s.LogFormat,
				Output: cmd.ErrOrStderr(),
			})
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "", "log format (pretty or json)")
	root.PersistentFlags().StringSliceVar(&flagProviders, "providers", nil, "enabled providers in detection order (e.g. git,local)")

	root.AddCommand(newDetectCmd())
	root.AddCommand(newFetchCmd())
	root.AddCommand(newProvidersCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newAddCmd())
	root.AddCommand(newSyncCmd())
	root.AddCommand(newRemoveCmd())

	return root
}

// flagOverrides returns the settings for global flags the user set.
func flagOverrides(cmd *cobra.Command) map[string]any {
	overrides := make(map[string]any)
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		overrides["log_level"] = flagLogLevel
	}
	if flags.Changed("log-format") {
		overrides["log_format"] = flagLogFormat
	}
	if flags.Changed("providers") {
		overrides["providers"] = flagProviders
	}
	return overrides
}

func Execute(ctx context.Context) {
	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
