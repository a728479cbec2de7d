package app

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func NewCmdConfig(out io.Writer, config *Config) *cobra.Command {
	var pathsOnly bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return doConfig(out, config, pathsOnly)
		},
	}
	cmd.Flags().BoolVar(&pathsOnly, "paths", false, "Print only the resolved paths")
	return cmd
}

func doConfig(out io.Writer, config *Config, pathsOnly bool) error {
	used := "(defaults)"
	if config.v != nil && config.v.ConfigFileUsed() != "" {
		used = config.v.ConfigFileUsed()
	}
	fmt.Fprintf(out, "config_file = %q\n", used)
	fmt.Fprintf(out, "data_dir    = %q\n", config.DataDir())
	fmt.Fprintf(out, "downloads   = %q\n", config.DownloadDir())
	_, err := fmt.Fprintf(out, "ledger      = %q\n", config.LedgerPath())
	if pathsOnly || err != nil {
		return err
	}
	fmt.Fprintln(out, "\n################################################################# Configuration")
	_, err = fmt.Fprintf(out, "%s", config)
	return err
}
