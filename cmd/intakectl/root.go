package main

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"document-intake/internal/config"
)

// app is the state shared by every subcommand.
type app struct {
	cfg    config.Config
	root   string
	asJSON bool
}

func newRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "intakectl",
		Short:         "Operate the document intake pipeline.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.cfg = config.Load()
			if a.root != "" {
				layout, err := config.NewLayout(a.root).Abs()
				if err != nil {
					return err
				}
				a.cfg.Layout = layout
				a.cfg.StateFile = filepath.Join(layout.State, filepath.Base(a.cfg.StateFile))
				if a.cfg.JournalDriver == "sqlite" {
					a.cfg.JournalDSN = filepath.Join(layout.State, "journal.db")
				}
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&a.root, "root", "", "Pipeline root directory (default $INTAKE_ROOT or ./data)")
	cmd.PersistentFlags().BoolVar(&a.asJSON, "json", false, "JSON output")

	cmd.AddCommand(
		newIndexCmd(a),
		newDLQCmd(a),
		newResubmitCmd(a),
		newReportCmd(a),
	)
	return cmd
}
