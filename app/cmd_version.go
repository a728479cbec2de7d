package app

import (
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/JiscSD/qda-harvester/version"
)

func NewCmdVersion(out io.Writer) *cobra.Command {
	var short bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return doVersion(out, short)
		},
	}
	cmd.Flags().BoolVar(&short, "short", false, "Print only the version number")
	return cmd
}

func doVersion(out io.Writer, short bool) error {
	if short {
		_, err := fmt.Fprintln(out, version.VERSION)
		return err
	}
	fmt.Fprintf(out, "%s %s\n", appName, version.VERSION)
	fmt.Fprintf(out, "go:         %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	_, err := fmt.Fprintf(out, "user agent: %s\n", version.UserAgent())
	return err
}
