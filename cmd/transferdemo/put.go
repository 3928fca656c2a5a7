package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/transferengine/core/internal/progress"
	"github.com/transferengine/core/internal/task"
)

func newPutCmd() *cobra.Command {
	var fileField string
	var extra []string

	cmd := &cobra.Command{
		Use:   "put <url> <file>",
		Short: "Upload a single local file to a URL and wait for it to complete",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := bootstrap()
			if err != nil {
				return err
			}
			defer eng.Close()

			url, localPath := args[0], args[1]

			var files []task.UploadFile
			if len(extra) > 0 {
				files = append(files, task.UploadFile{FieldName: fileField, Filename: filepath.Base(localPath)})
				for _, f := range extra {
					files = append(files, task.UploadFile{FieldName: fileField, Filename: filepath.Base(f)})
				}
			}

			taskID, err := eng.Enqueue(task.Task{
				Kind:      pickUploadKind(files),
				URL:       url,
				Filename:  filepath.Base(localPath),
				Directory: filepath.Dir(localPath),
				FileField: fileField,
				Files:     files,
			})
			if err != nil {
				return fmt.Errorf("enqueue: %w", err)
			}

			if err := waitForTask(eng, taskID, url, localPath, progress.Upload); err != nil {
				return err
			}
			fmt.Println("done")
			return nil
		},
	}

	cmd.Flags().StringVar(&fileField, "field", "file", "multipart field name for the uploaded file")
	cmd.Flags().StringArrayVar(&extra, "also", nil, "additional local file to attach as a multipart part (repeatable)")

	return cmd
}

func pickUploadKind(extra []task.UploadFile) task.Kind {
	if len(extra) > 0 {
		return task.KindMultiUpload
	}
	return task.KindUpload
}
