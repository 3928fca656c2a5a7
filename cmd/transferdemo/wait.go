package main

import (
	"fmt"
	"time"

	"github.com/transferengine/core/internal/coordinator"
	"github.com/transferengine/core/internal/events"
	"github.com/transferengine/core/internal/progress"
	"github.com/transferengine/core/internal/task"
)

// waitForTask renders live progress for taskID and blocks until it
// reaches a final status, returning an error for anything other than a
// clean completion.
func waitForTask(eng *coordinator.TransferEngine, taskID, url, localPath string, direction progress.Direction) error {
	ui := progress.NewTaskUI(1)
	sub := eng.Events().Subscribe(events.EventTransferProgress)
	defer eng.Events().Unsubscribe(events.EventTransferProgress, sub)

	var bar *progress.TaskBar
	barFor := func() *progress.TaskBar {
		if bar != nil {
			return bar
		}
		var size int64
		if rec, found, err := eng.Record(taskID); err == nil && found {
			size = rec.ExpectedFileSize
		}
		bar = ui.AddTaskBar(taskID, url, localPath, direction, size)
		return bar
	}

	go func() {
		for ev := range sub {
			te, ok := ev.(*events.TransferEvent)
			if !ok || te.TaskID != taskID {
				continue
			}
			barFor().UpdateProgress(te.Progress)
		}
	}()

	for {
		rec, found, err := eng.Record(taskID)
		if err != nil {
			return fmt.Errorf("polling task status: %w", err)
		}
		if found && rec.Status.IsFinal() {
			finishBar(barFor(), rec)
			return statusToError(rec)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func finishBar(bar *progress.TaskBar, rec task.Record) {
	bar.Complete(statusToError(rec))
}

func statusToError(rec task.Record) error {
	switch rec.Status {
	case task.StatusComplete:
		return nil
	case task.StatusPaused:
		return fmt.Errorf("paused")
	case task.StatusNotFound:
		return fmt.Errorf("not found")
	case task.StatusCanceled:
		return fmt.Errorf("canceled")
	default:
		return fmt.Errorf("failed")
	}
}
