package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	strutil "github.com/transferengine/core/internal/util/strings"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print every task record the engine currently has on disk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := bootstrap()
			if err != nil {
				return err
			}
			defer eng.Close()

			records, err := eng.List()
			if err != nil {
				return fmt.Errorf("list: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TASK ID\tKIND\tSTATUS\tPROGRESS\tURL")
			for _, rec := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%.1f%%\t%s\n",
					rec.Task.TaskID, rec.Task.Kind, rec.Status, rec.Progress*100, rec.Task.URL)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Printf("%d %s\n", len(records), strutil.Pluralize("task", int64(len(records))))
			return nil
		},
	}
}
