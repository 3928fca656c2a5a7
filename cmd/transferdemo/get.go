package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/transferengine/core/internal/progress"
	"github.com/transferengine/core/internal/task"
)

func newGetCmd() *cobra.Command {
	var directory, filename string
	var allowPause bool
	var parallel bool
	var uniqueFilename bool

	cmd := &cobra.Command{
		Use:   "get <url>",
		Short: "Download a single URL and wait for it to complete",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := bootstrap()
			if err != nil {
				return err
			}
			defer eng.Close()

			kind := task.KindDownload
			if parallel {
				kind = task.KindParallelDownload
			}
			if filename == "" {
				filename = task.FilenameDeriveFromServer
			}

			taskID, err := eng.Enqueue(task.Task{
				Kind:           kind,
				URL:            args[0],
				Filename:       filename,
				UniqueFilename: uniqueFilename,
				Directory:      directory,
				AllowPause:     allowPause,
			})
			if err != nil {
				return fmt.Errorf("enqueue: %w", err)
			}

			if err := waitForTask(eng, taskID, args[0], directory, progress.Download); err != nil {
				return err
			}
			fmt.Println("done")
			return nil
		},
	}

	cmd.Flags().StringVarP(&directory, "dir", "d", ".", "destination directory, relative to the base directory")
	cmd.Flags().StringVarP(&filename, "filename", "f", "", "destination filename (defaults to the server-suggested name)")
	cmd.Flags().BoolVar(&allowPause, "allow-pause", true, "allow this task to be paused/resumed")
	cmd.Flags().BoolVar(&parallel, "parallel", false, "use ranged parallel chunks instead of a single stream")
	cmd.Flags().BoolVar(&uniqueFilename, "unique-filename", false, "append \" (N)\" instead of replacing an existing file of the same name")

	return cmd
}
