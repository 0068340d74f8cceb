package cmd

import (
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/repofetch/repofetch/pkg/config"
	"github.com/repofetch/repofetch/pkg/store"
)

func newRemoveCmd() *cobra.Command {
	removeCmd := &cobra.Command{
		Use:   "remove [name...]",
		Short: "Remove sources from the project",
		Long: `Removes sources from repofetch.toml and the lockfile and deletes their store
directories. Custom directories set with --dir are left in place.

Without names you are asked which sources to remove.`,
		RunE: runRemove,
	}

	removeCmd.Flags().Bool("all", false, "remove all sources without prompting")
	return removeCmd
}

func runRemove(cmd *cobra.Command, args []string) error {
	all, err := cmd.Flags().GetBool("all")
	if err != nil {
		return err
	}

	projectDir, manifestPath, lockPath, err := projectPaths()
	if err != nil {
		return err
	}

	m, err := config.LoadManifest(manifestPath)
	if err != nil {
		return fmt.Errorf("loading %s: %w", manifestPath, err)
	}
	if len(m.Sources) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Nothing to remove")
		return nil
	}

	var selected []string
	switch {
	case all:
		selected = m.Names()
	case len(args) > 0:
		for _, name := range args {
			if _, ok := m.Sources[name]; !ok {
				return fmt.Errorf("source %q not found in %s", name, config.ManifestFileName)
			}
		}
		selected = args
	default:
		if selected, err = promptSources(m.Names()); err != nil {
			return err
		}
	}

	if len(selected) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Nothing selected")
		return nil
	}

	st := projectStore(projectDir)
	for _, name := range selected {
		if m.Sources[name].Dir == "" {
			if err := st.Remove(store.SourcesDir, name); err != nil {
				return fmt.Errorf("removing %s: %w", name, err)
			}
		}
		delete(m.Sources, name)
	}

	if err := config.SaveManifest(manifestPath, m); err != nil {
		return fmt.Errorf("saving %s: %w", manifestPath, err)
	}

	lf, err := config.LoadLockFile(lockPath)
	if err != nil {
		return fmt.Errorf("loading lockfile: %w", err)
	}
	lf.Prune(m.Sources)
	if err := config.SaveLockFile(lockPath, lf); err != nil {
		return fmt.Errorf("writing lockfile: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d source(s)\n", len(selected))
	return nil
}

// promptSources uses huh to present a multi-select of manifest entries.
func promptSources(names []string) ([]string, error) {
	options := make([]huh.Option[string], len(names))
	for i, name := range names {
		options[i] = huh.NewOption(name, name)
	}

	var selected []string
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewMultiSelect[string]().
				Title("Select sources to remove").
				Options(options...).
				Value(&selected),
		),
	).Run()
	if err != nil {
		return nil, fmt.Errorf("selection prompt failed: %w", err)
	}
	return selected, nil
}
