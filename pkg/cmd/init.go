package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/repofetch/repofetch/pkg/config"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a new repofetch project",
		Long:  "Creates a repofetch.toml manifest and adds the store and local settings to .gitignore.",
		Args:  cobra.NoArgs,
		RunE:  runInit,
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	wd, _, _, err := projectPaths()
	if err != nil {
		return err
	}

	if err := config.InitManifest(wd); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", config.ManifestFileName)

	added, err := config.EnsureGitignore(wd, config.IgnoreEntries(Settings.StoreRoot))
	if err != nil {
		return err
	}
	for _, entry := range added {
		fmt.Fprintf(cmd.OutOrStdout(), "Added %s to .gitignore\n", entry)
	}

	return nil
}
