package app

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func NewCmdSources(out io.Writer, config *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List the configured sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			return doSources(out, config)
		},
	}
}

func doSources(out io.Writer, config *Config) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tFAMILY\tENDPOINT\tFOLDER\tCAP\tQUERIES\tSTATUS")
	for _, c := range config.SourceConfigs() {
		c = c.WithDefaults()
		status := "enabled"
		if c.Disabled {
			status = "disabled"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			c.Name, c.Family, c.Endpoint, c.Folder, c.Cap, strings.Join(c.Queries, "; "), status)
	}
	return w.Flush()
}
