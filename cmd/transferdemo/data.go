package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/transferengine/core/internal/task"
)

func newDataCmd() *cobra.Command {
	var method, body string

	cmd := &cobra.Command{
		Use:   "data <url>",
		Short: "Issue a small in-memory request and print the buffered response body",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := bootstrap()
			if err != nil {
				return err
			}
			defer eng.Close()

			var post *string
			if body != "" {
				post = &body
			}

			taskID, err := eng.Enqueue(task.Task{
				Kind:              task.KindData,
				URL:               args[0],
				HTTPRequestMethod: method,
				Post:              post,
			})
			if err != nil {
				return fmt.Errorf("enqueue: %w", err)
			}

			for {
				rec, found, err := eng.Record(taskID)
				if err != nil {
					return fmt.Errorf("polling task status: %w", err)
				}
				if found && rec.Status.IsFinal() {
					if rec.Status != task.StatusComplete {
						return statusToError(rec)
					}
					fmt.Println(rec.ResponseBody)
					return nil
				}
				time.Sleep(50 * time.Millisecond)
			}
		},
	}

	cmd.Flags().StringVarP(&method, "method", "X", "GET", "HTTP request method")
	cmd.Flags().StringVar(&body, "body", "", "request body to send")

	return cmd
}
