package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/repofetch/repofetch/pkg/config"
	"github.com/repofetch/repofetch/pkg/source"
)

func newAddCmd() *cobra.Command {
	addCmd := &cobra.Command{
		Use:   "add <source>",
		Short: "Add a source to repofetch.toml",
		Long: `Detects the provider for a source and records it in repofetch.toml. Nothing
is fetched until the next sync.`,
		Args: cobra.ExactArgs(1),
		RunE: runAdd,
	}

	addCmd.Flags().String("name", "", "manifest entry name (default: inferred from the source)")
	addCmd.Flags().String("ref", "", "reference to pin (branch, tag, revision, version)")
	addCmd.Flags().String("dir", "", "fetch into this directory instead of the store")
	addCmd.Flags().String("provider", "", "always use this provider for the source")
	return addCmd
}

func runAdd(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	name, err := flags.GetString("name")
	if err != nil {
		return err
	}
	ref, err := flags.GetString("ref")
	if err != nil {
		return err
	}
	dir, err := flags.GetString("dir")
	if err != nil {
		return err
	}
	pin, err := flags.GetString("provider")
	if err != nil {
		return err
	}

	_, manifestPath, _, err := projectPaths()
	if err != nil {
		return err
	}
	m, err := config.LoadManifest(manifestPath)
	if err != nil {
		return fmt.Errorf("loading %s: %w", manifestPath, err)
	}

	reg, err := registry(pin)
	if err != nil {
		return err
	}
	p, spec, err := reg.Select(cmd.Context(), args[0], ref)
	if err != nil {
		return err
	}

	if name == "" {
		name = source.InferName(spec.Repo)
	}
	entry := config.SourceEntry{Repo: spec.Repo, Ref: spec.Ref, Dir: dir, Provider: pin}
	if err := m.Add(name, entry); err != nil {
		return err
	}

	if err := config.SaveManifest(manifestPath, m); err != nil {
		return fmt.Errorf("saving %s: %w", manifestPath, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Added %q (%s %s) to %s\n", name, p.Name(), spec, config.ManifestFileName)
	return nil
}
