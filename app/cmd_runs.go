package app

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/JiscSD/qda-harvester/ledger"
)

func NewCmdRuns(logger logrus.FieldLogger, out io.Writer, config *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "runs",
		Short: "List the harvest runs stored in the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return doRuns(logger, out, config)
		},
	}
}

func doRuns(logger logrus.FieldLogger, out io.Writer, config *Config) error {
	db, err := ledger.OpenSQLite(config.LedgerPath(), logger.WithField("component", "ledger"))
	if err != nil {
		return err
	}
	defer db.Close()

	runs, err := db.Runs(context.Background())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTARTED\tELAPSED")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.ID, r.Started.Local().Format(time.RFC3339), r.Finished.Sub(r.Started).Round(time.Second))
	}
	return w.Flush()
}
