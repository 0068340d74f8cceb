package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/repofetch/repofetch/pkg/source"
)

type detectOutput struct {
	Provider string `json:"provider" toml:"provider"`
	Repo     string `json:"repo" toml:"repo"`
	Ref      string `json:"ref,omitempty" toml:"ref,omitempty"`
	Name     string `json:"name" toml:"name"`
}

func newDetectCmd() *cobra.Command {
	detectCmd := &cobra.Command{
		Use:   "detect <source>",
		Short: "Show which provider handles a source",
		Long: `Runs provider detection on a source without fetching anything and prints
the selected provider and the canonical repo and ref.`,
		Args: cobra.ExactArgs(1),
		RunE: runDetect,
	}

	detectCmd.Flags().String("ref", "", "reference to resolve (branch, tag, revision, version)")
	detectCmd.Flags().StringP("output", "o", formatText, "output format: text, json, yaml or toml")
	return detectCmd
}

func runDetect(cmd *cobra.Command, args []string) error {
	ref, err := cmd.Flags().GetString("ref")
	if err != nil {
		return err
	}
	format, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}

	reg, err := registry("")
	if err != nil {
		return err
	}

	p, spec, err := reg.Select(cmd.Context(), args[0], ref)
	if err != nil {
		return err
	}

	out := detectOutput{
		Provider: p.Name(),
		Repo:     spec.Repo,
		Ref:      spec.Ref,
		Name:     source.InferName(spec.Repo),
	}
	if format == formatText {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", out.Provider, spec)
		return nil
	}
	return writeStructured(cmd.OutOrStdout(), format, out)
}
