package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/repofetch/repofetch/pkg/config"
	"github.com/repofetch/repofetch/pkg/syncer"
)

func newSyncCmd() *cobra.Command {
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Fetch every source in repofetch.toml",
		Long: `Fetches every source listed in repofetch.toml and writes repofetch.lock.

Sources whose lockfile pin still matches the manifest and whose directory is
populated are left alone; --force refetches everything.`,
		Args: cobra.NoArgs,
		RunE: runSync,
	}
	syncCmd.Flags().Bool("force", false, "refetch sources even when the lockfile pin matches")
	return syncCmd
}

func runSync(cmd *cobra.Command, args []string) error {
	force, err := cmd.Flags().GetBool("force")
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
	existing, err := config.LoadLockFile(lockPath)
	if err != nil {
		return fmt.Errorf("loading lockfile: %w", err)
	}

	reg, err := registry("")
	if err != nil {
		return err
	}

	view := newProgressView(cmd.ErrOrStderr(), len(m.Sources), "syncing")
	s := &syncer.Syncer{
		Registry:    reg,
		Store:       projectStore(projectDir),
		ProjectDir:  projectDir,
		Logger:      Log,
		Retries:     Settings.Retries,
		Concurrency: Settings.Concurrency,
		Force:       force,
		OnProgress:  view.Report,
	}

	report, err := s.Sync(cmd.Context(), m, existing)
	view.Close()
	if err != nil {
		return err
	}

	if err := config.SaveLockFile(lockPath, report.Lock); err != nil {
		return fmt.Errorf("writing lockfile: %w", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	for _, r := range report.Results {
		status := humanize.Bytes(uint64(r.Size))
		if r.Reused {
			status = "up to date"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Name, r.Provider, r.ContentID, r.Dir, status)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	for _, name := range report.Pruned {
		fmt.Fprintf(cmd.OutOrStdout(), "Pruned %s\n", name)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Synced %d source(s)\n", len(report.Results))
	return nil
}
