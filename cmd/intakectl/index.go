package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"document-intake/internal/index"
)

func newIndexCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Inspect the processed-content index",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "count",
		Short: "Print how many fingerprints are indexed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := readIndex(a.cfg.StateFile)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), len(entries))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print every indexed fingerprint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := readIndex(a.cfg.StateFile)
			if err != nil {
				return err
			}
			if a.asJSON {
				b, _ := json.MarshalIndent(entries, "", "  ")
				fmt.Fprintln(cmd.OutOrStdout(), string(b))
				return nil
			}
			for _, fp := range entries {
				fmt.Fprintln(cmd.OutOrStdout(), fp)
			}
			return nil
		},
	})
	return cmd
}

// readIndex treats a missing state file as an empty index, as the daemon does.
func readIndex(path string) ([]string, error) {
	entries, err := index.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	return entries, err
}
