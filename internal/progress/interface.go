package progress

import "io"

// UI describes a progress display for a batch of concurrent transfer
// tasks. TaskUI has the same methods except that its AddTaskBar returns
// *TaskBar rather than TaskHandle, so *TaskUI does not satisfy UI; the
// demo CLI uses *TaskUI directly.
type UI interface {
	// AddTaskBar registers a bar for taskID and returns a handle to it.
	AddTaskBar(taskID, url, localPath string, direction Direction, size int64) TaskHandle

	// Wait blocks until all registered bars have completed.
	Wait()

	// Writer returns an io.Writer that prints cleanly above active bars.
	Writer() io.Writer

	// IsTerminal reports whether bars are being rendered at all.
	IsTerminal() bool
}

// TaskHandle is a handle to a single task's progress bar.
type TaskHandle interface {
	// UpdateProgress advances the bar to the given completion fraction (0..1).
	UpdateProgress(fraction float64)

	// SetRetry records the current retry count against the bar.
	SetRetry(count int)

	// Complete finalizes the bar, printing a success or failure summary.
	Complete(err error)

	// ResetStartTime restarts the bar's elapsed-time clock.
	ResetStartTime()
}
