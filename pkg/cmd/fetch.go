package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/repofetch/repofetch/pkg/config"
	"github.com/repofetch/repofetch/pkg/fetcher"
	"github.com/repofetch/repofetch/pkg/source"
	"github.com/repofetch/repofetch/pkg/store"
)

func newFetchCmd() *cobra.Command {
	fetchCmd := &cobra.Command{
		Use:   "fetch <source> <dir>",
		Short: "Fetch a source into a directory",
		Long: `Fetches a source into dir and prints its content id.

A source can be a git or Mercurial URL or working copy, an archive URL or
file, a local directory, npm:<package>[@version], pypi:<project>[==version]
or docker://<image>[:tag].

dir must be empty or absent. With --force a non-empty dir is cleared first;
on a terminal you are asked instead.`,
		Args: cobra.ExactArgs(2),
		RunE: runFetch,
	}

	fetchCmd.Flags().String("ref", "", "reference to fetch (branch, tag, revision, version)")
	fetchCmd.Flags().String("provider", "", "use only this provider")
	fetchCmd.Flags().Bool("force", false, "clear a non-empty target directory without asking")
	fetchCmd.Flags().String("lock", "", "record the result in this lockfile")
	fetchCmd.Flags().String("name", "", "lockfile entry name (default: inferred from the source)")
	fetchCmd.Flags().Int("retries", -1, "retries after a backend failure (default from settings)")
	return fetchCmd
}

func runFetch(cmd *cobra.Command, args []string) error {
	src, dir := args[0], args[1]
	flags := cmd.Flags()

	ref, err := flags.GetString("ref")
	if err != nil {
		return err
	}
	pin, err := flags.GetString("provider")
	if err != nil {
		return err
	}
	force, err := flags.GetBool("force")
	if err != nil {
		return err
	}
	lockPath, err := flags.GetString("lock")
	if err != nil {
		return err
	}
	name, err := flags.GetString("name")
	if err != nil {
		return err
	}
	retries, err := flags.GetInt("retries")
	if err != nil {
		return err
	}
	if retries < 0 {
		retries = Settings.Retries
	}

	if err := ensureEmptyTarget(cmd, dir, force); err != nil {
		return err
	}

	reg, err := registry(pin)
	if err != nil {
		return err
	}

	view := newProgressView(cmd.ErrOrStderr(), -1, "fetching "+src)
	f := &fetcher.Fetcher{
		Providers:  reg,
		Logger:     Log,
		Retries:    retries,
		OnProgress: func(p source.Progress) { view.Report("", p) },
	}
	res, err := f.Fetch(cmd.Context(), src, ref, dir)
	view.Close()
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Fetched %s with %s into %s (%s)\n", res.Spec, res.Provider, res.Dir, humanize.Bytes(uint64(res.Size)))
	fmt.Fprintf(cmd.OutOrStdout(), "content id: %s\n", res.ContentID)

	if lockPath == "" {
		return nil
	}
	if name == "" {
		name = source.InferName(res.Spec.Repo)
	}
	return recordFetch(lockPath, name, res)
}

// ensureEmptyTarget makes sure dir can be fetched into, clearing it when the
// user agrees or force is set.
func ensureEmptyTarget(cmd *cobra.Command, dir string, force bool) error {
	empty, err := store.New(dir).IsEmpty()
	if err != nil {
		return fmt.Errorf("checking %s: %w", dir, err)
	}
	if empty {
		return nil
	}

	if !force {
		if !isTerminal(os.Stdin) {
			return fmt.Errorf("%w: %s (use --force to clear it)", source.ErrTargetNotEmpty, dir)
		}
		confirmed := false
		err := huh.NewForm(
			huh.NewGroup(
				huh.NewConfirm().
					Title(fmt.Sprintf("%s is not empty. Delete its contents?", dir)).
					Affirmative("Delete").
					Negative("Cancel").
					Value(&confirmed),
			),
		).Run()
		if err != nil {
			return fmt.Errorf("confirmation prompt failed: %w", err)
		}
		if !confirmed {
			return fmt.Errorf("%w: %s", source.ErrTargetNotEmpty, dir)
		}
	}

	Log.Debug().Str("dir", dir).Msg("clearing target directory")
	return fetcher.ClearDir(dir)
}

// recordFetch upserts a fetch result into the lockfile at lockPath.
func recordFetch(lockPath, name string, res *fetcher.Result) error {
	if !config.ValidName(name) {
		return fmt.Errorf("invalid lockfile entry name %q", name)
	}

	lf, err := config.LoadLockFile(lockPath)
	if err != nil {
		return fmt.Errorf("loading lockfile: %w", err)
	}

	lf.Upsert(config.LockEntry{
		Name:      name,
		Repo:      res.Spec.Repo,
		Ref:       res.Spec.Ref,
		Provider:  res.Provider,
		ContentID: res.ContentID,
		Dir:       relativeTo(filepath.Dir(lockPath), res.Dir),
	})

	if err := config.SaveLockFile(lockPath, lf); err != nil {
		return fmt.Errorf("writing lockfile: %w", err)
	}
	return nil
}
