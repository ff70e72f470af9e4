package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"document-intake/internal/intake"
)

func newResubmitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "resubmit <name>...",
		Short: "Move failed files back into incoming for another attempt",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range args {
				dst, err := intake.Resubmit(a.cfg.Layout, name)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "resubmitted %s\n", dst)
			}
			return nil
		},
	}
}
