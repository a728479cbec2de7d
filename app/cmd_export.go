package app

import (
	"context"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/JiscSD/qda-harvester/ledger"
)

type exportFlags struct {
	format string
	output string
	run    string
}

func NewCmdExport(logger logrus.FieldLogger, out io.Writer, config *Config) *cobra.Command {
	flags := exportFlags{}
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the harvested records stored in the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return doExport(logger, out, config, flags)
		},
	}
	cmd.Flags().StringVarP(&flags.format, "format", "f", "csv", "Output format (csv, jsonl, jsonl.zst)")
	cmd.Flags().StringVarP(&flags.output, "output", "o", "", "Destination file (default: standard output)")
	cmd.Flags().StringVar(&flags.run, "run", "", "Only export this run")
	return cmd
}

func doExport(logger logrus.FieldLogger, out io.Writer, config *Config, flags exportFlags) (err error) {
	db, err := ledger.OpenSQLite(config.LedgerPath(), logger.WithField("component", "ledger"))
	if err != nil {
		return err
	}
	defer db.Close()

	dest := out
	if flags.output != "" {
		f, ferr := os.Create(flags.output)
		if ferr != nil {
			return errors.Wrap(ferr, "creating export file")
		}
		defer func() {
			if cerr := f.Close(); err == nil {
				err = cerr
			}
		}()
		dest = f
	}

	var w ledger.Writer
	switch flags.format {
	case "csv":
		w = ledger.NewCSVWriter(dest)
	case "jsonl", "jsonl.zst":
		if w, err = ledger.NewJSONLWriter(dest, flags.format == "jsonl.zst"); err != nil {
			return err
		}
	default:
		return errors.Errorf("unsupported format %q", flags.format)
	}

	n, err := db.Export(context.Background(), flags.run, w)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{"datasets": n, "format": flags.format}).Info("Export finished")
	return nil
}
