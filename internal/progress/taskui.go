// Package progress renders live terminal progress bars for in-flight
// transfer tasks, falling back to plain line-oriented output when stderr
// is not a terminal.
package progress

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/term"
)

// Direction distinguishes a download (remote -> local) from an upload
// (local -> remote) task for the purposes of labeling its bar.
type Direction int

const (
	Download Direction = iota
	Upload
)

const updateInterval = 300 * time.Millisecond

// TaskUI manages the set of concurrently rendered progress bars for a batch
// of tasks submitted to the demo CLI.
type TaskUI struct {
	progress   *mpb.Progress
	bars       sync.Map // taskID -> *TaskBar
	isTerminal bool
	totalTasks int
	started    int32
	completed  int32
}

// TaskBar is a handle to a single task's progress bar.
type TaskBar struct {
	bar        *mpb.Bar
	ui         *TaskUI
	index      int
	taskID     string
	url        string
	localPath  string
	direction  Direction
	size       int64
	retries    int32
	startTime  time.Time
	lastUpdate time.Time
	lastBytes  int64
}

// NewTaskUI creates a UI for totalTasks concurrent transfers. When stderr is
// not a terminal, bars are replaced by plain start/finish log lines.
func NewTaskUI(totalTasks int) *TaskUI {
	isTerminal := term.IsTerminal(int(os.Stderr.Fd()))

	var p *mpb.Progress
	if isTerminal {
		enableANSIOnWindows(os.Stderr)
		p = mpb.New(
			mpb.WithOutput(os.Stderr),
			mpb.WithRefreshRate(updateInterval),
			mpb.WithWidth(100),
		)
	} else {
		p = mpb.New(mpb.WithOutput(io.Discard))
	}

	return &TaskUI{
		progress:   p,
		isTerminal: isTerminal,
		totalTasks: totalTasks,
	}
}

// AddTaskBar registers a new bar for taskID and returns a handle to drive it.
func (u *TaskUI) AddTaskBar(taskID, url, localPath string, direction Direction, size int64) *TaskBar {
	index := int(atomic.AddInt32(&u.started, 1))
	arrow := "←"
	verb := "Downloading"
	if direction == Upload {
		arrow = "→"
		verb = "Uploading"
	}

	shortPath := truncatePath(localPath, 2)

	tb := &TaskBar{
		ui:         u,
		index:      index,
		taskID:     taskID,
		url:        url,
		localPath:  localPath,
		direction:  direction,
		size:       size,
		startTime:  time.Now(),
		lastUpdate: time.Now(),
	}

	if u.isTerminal {
		tb.bar = u.progress.New(size,
			mpb.BarStyle().
				Lbound("[").
				Filler("█").
				Tip("█").
				Padding("░").
				Rbound("]"),
			mpb.PrependDecorators(
				decor.Any(func(s decor.Statistics) string {
					retries := atomic.LoadInt32(&tb.retries)
					base := fmt.Sprintf("[%d/%d] %s (%.1f MiB) %s %s",
						index, u.totalTasks, shortPath, float64(size)/(1024*1024), arrow, url)
					if retries > 0 {
						return fmt.Sprintf("%s (retry %d)", base, retries)
					}
					return base
				}, decor.WCSyncSpace),
			),
			mpb.AppendDecorators(
				decor.CountersKibiByte("% .1f / % .1f", decor.WCSyncSpace),
				decor.Name("  "),
				decor.Any(func(s decor.Statistics) string {
					pct := float64(0)
					if s.Total != 0 {
						pct = float64(s.Current) / float64(s.Total) * 100
					}
					return fmt.Sprintf("%6.2f%%", pct)
				}, decor.WCSyncSpace),
				decor.Name("  "),
				decor.EwmaSpeed(decor.SizeB1024(0), "% .1f", 60, decor.WCSyncSpace),
				decor.Name("  "),
				decor.Name("ETA ", decor.WCSyncWidth),
				decor.EwmaETA(decor.ET_STYLE_GO, 60),
			),
			mpb.BarRemoveOnComplete(),
		)
	} else {
		fmt.Printf("%s [%d/%d]: %s (%.1f MiB) %s %s\n",
			verb, index, u.totalTasks, shortPath, float64(size)/(1024*1024), arrow, url)
	}

	u.bars.Store(taskID, tb)
	return tb
}

// UpdateProgress advances the bar to the given completion fraction (0..1).
// Updates are throttled to updateInterval so EwmaIncrBy still receives
// elapsed time even when no new bytes have arrived.
func (f *TaskBar) UpdateProgress(fraction float64) {
	if f.bar == nil {
		return
	}

	now := time.Now()
	elapsed := now.Sub(f.lastUpdate)
	if elapsed < updateInterval {
		return
	}

	currentBytes := int64(fraction * float64(f.size))
	bytesDelta := currentBytes - f.lastBytes

	f.bar.EwmaIncrBy(int(bytesDelta), elapsed)
	f.lastBytes = currentBytes
	f.lastUpdate = now
}

// SetRetry records the current retry count, refilling the bar to mark it.
func (f *TaskBar) SetRetry(count int) {
	atomic.StoreInt32(&f.retries, int32(count))
	if f.bar != nil && count > 0 {
		f.bar.SetRefill(f.lastBytes)
	}
}

// ResetStartTime restarts the elapsed-time clock, used to exclude setup
// work (e.g. holding-queue wait) from the reported transfer rate.
func (f *TaskBar) ResetStartTime() {
	f.startTime = time.Now()
}

// Complete finalizes the bar and prints a one-line summary.
func (f *TaskBar) Complete(err error) {
	elapsed := time.Since(f.startTime)
	speed := float64(f.size) / elapsed.Seconds() / (1024 * 1024)
	arrow := "←"
	if f.direction == Upload {
		arrow = "→"
	}

	var msg string
	if err == nil {
		if f.bar != nil {
			f.bar.SetCurrent(f.size)
			f.bar.SetTotal(f.size, true)
		}
		msg = fmt.Sprintf("✓ %s %s %s (task %s, %.1f MiB, %s, %.1f MiB/s)\n",
			truncatePath(f.localPath, 2), arrow, f.url, f.taskID,
			float64(f.size)/(1024*1024), elapsed.Round(time.Second), speed)
	} else {
		if f.bar != nil {
			f.bar.Abort(false)
		}
		retries := atomic.LoadInt32(&f.retries)
		msg = fmt.Sprintf("✗ %s %s %s: %v (after %d retries)\n",
			truncatePath(f.localPath, 2), arrow, f.url, err, retries)
	}

	if f.ui.isTerminal && f.ui.progress != nil {
		f.ui.progress.Write([]byte(msg))
	} else {
		fmt.Print(msg)
	}

	atomic.AddInt32(&f.ui.completed, 1)
}

// Wait blocks until every bar has completed or aborted.
func (u *TaskUI) Wait() {
	if u.progress != nil {
		u.progress.Wait()
	}
}

// Writer returns an io.Writer that prints above the active bars without
// corrupting their rendering, falling back to stderr outside a terminal.
func (u *TaskUI) Writer() io.Writer {
	if u.progress != nil && u.isTerminal {
		return u.progress
	}
	return os.Stderr
}

// IsTerminal reports whether bars are being rendered at all.
func (u *TaskUI) IsTerminal() bool {
	return u.isTerminal
}

// GetCompleted returns the number of tasks that have called Complete.
func (u *TaskUI) GetCompleted() int {
	return int(atomic.LoadInt32(&u.completed))
}

// truncatePath shortens path to its last maxComponents segments, e.g.
// truncatePath("/a/b/c/d/file.txt", 2) -> "…/d/file.txt".
func truncatePath(path string, maxComponents int) string {
	parts := strings.Split(filepath.ToSlash(path), "/")
	if len(parts) <= maxComponents {
		return filepath.Base(path)
	}
	relevant := parts[len(parts)-maxComponents:]
	return "…/" + strings.Join(relevant, "/")
}

// enableANSIOnWindows is a no-op everywhere except Windows, where it
// switches the console into Virtual Terminal Processing mode.
func enableANSIOnWindows(f *os.File) {
	if runtime.GOOS == "windows" {
		enableWindowsANSI(f)
	}
}
