package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

type providerInfo struct {
	Name     string `json:"name" toml:"name"`
	IDLength int    `json:"id_length" toml:"id_length"`
}

func newProvidersCmd() *cobra.Command {
	providersCmd := &cobra.Command{
		Use:   "providers",
		Short: "List enabled providers in detection order",
		Args:  cobra.NoArgs,
		RunE:  runProviders,
	}
	providersCmd.Flags().StringP("output", "o", formatText, "output format: text, json, yaml or toml")
	return providersCmd
}

func runProviders(cmd *cobra.Command, args []string) error {
	format, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}

	reg, err := registry("")
	if err != nil {
		return err
	}
	opts := Settings.SourceOptions(Log)

	var infos []providerInfo
	for _, name := range reg.Names() {
		infos = append(infos, providerInfo{Name: name, IDLength: opts.IDLength(name)})
	}

	switch format {
	case formatText:
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PROVIDER\tID LENGTH")
		for _, info := range infos {
			fmt.Fprintf(w, "%s\t%d\n", info.Name, info.IDLength)
		}
		return w.Flush()
	case formatTOML:
		// TOML documents need a table at the top level.
		return writeStructured(cmd.OutOrStdout(), format, map[string][]providerInfo{"providers": infos})
	default:
		return writeStructured(cmd.OutOrStdout(), format, infos)
	}
}
