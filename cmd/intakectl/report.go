package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"document-intake/internal/fsutil"
	"document-intake/internal/report"
	"document-intake/internal/store"
)

func newReportCmd(a *app) *cobra.Command {
	var (
		out   string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Export the job journal to an XLSX workbook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				return errors.New("--out is required")
			}
			j, err := store.Open(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			defer j.Close()

			raw, err := report.NewExporter(j, nil).JobsXLSX(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if err := fsutil.WriteFileAtomic(out, raw, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output .xlsx path")
	cmd.Flags().IntVar(&limit, "limit", 1000, "Max journal rows")
	return cmd
}
