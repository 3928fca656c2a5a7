// Package statemachine drives each task's lifecycle transitions -
// enqueue, start, retry-with-backoff, terminal states - and emits the
// status/progress updates a CallbackBridge delivers to the caller.
package statemachine

import (
	"math"
	"time"

	"github.com/transferengine/core/internal/engine"
	"github.com/transferengine/core/internal/task"
)

// Update is one status or progress observation for a task, as emitted
// to the CallbackBridge.
type Update struct {
	TaskID       string
	Status       task.Status
	Progress     float64
	Error        *engine.TransferError
	ResponseBody string
	Time         time.Time
}

// Sink receives updates as the state machine produces them. Typically
// backed by a CallbackBridge.
type Sink interface {
	Deliver(Update)
}

// Requeuer re-admits a task to the HoldingQueue. Implemented by
// whatever owns the HoldingQueue; kept as an interface here so
// statemachine does not import queue and create a cycle, since the
// queue does not need to know about state transitions.
type Requeuer interface {
	Requeue(task.Task)
}

// RetryScheduler schedules fn to run after d. Implemented with
// time.AfterFunc in production and a manual trigger in tests.
type RetryScheduler interface {
	Schedule(d time.Duration, fn func())
}

type realScheduler struct{}

func (realScheduler) Schedule(d time.Duration, fn func()) {
	time.AfterFunc(d, fn)
}

// RealScheduler is the production RetryScheduler, backed by
// time.AfterFunc.
func RealScheduler() RetryScheduler { return realScheduler{} }

// Backoff returns the retry delay for the given Task: 2^attempt
// seconds where attempt = retries - retriesRemaining.
func Backoff(t task.Task) time.Duration {
	attempt := t.Retries - t.RetriesRemaining
	if attempt < 0 {
		attempt = 0
	}
	seconds := math.Pow(2, float64(attempt))
	return time.Duration(seconds * float64(time.Second))
}

// Machine drives transitions for the set of tasks it is told about. It
// holds no per-task goroutines of its own - TransferEngine coroutines
// call into it to report outcomes.
type Machine struct {
	sink      Sink
	requeuer  Requeuer
	scheduler RetryScheduler
}

// New creates a Machine that delivers updates to sink and re-enqueues
// retried tasks through requeuer.
func New(sink Sink, requeuer Requeuer, scheduler RetryScheduler) *Machine {
	if scheduler == nil {
		scheduler = RealScheduler()
	}
	return &Machine{sink: sink, requeuer: requeuer, scheduler: scheduler}
}

func (m *Machine) deliver(taskID string, status task.Status, progress float64, err *engine.TransferError, body string) {
	m.sink.Deliver(Update{
		TaskID:       taskID,
		Status:       status,
		Progress:     progress,
		Error:        err,
		ResponseBody: body,
		Time:         time.Now(),
	})
}

// Enqueued reports that t has been placed on the holding queue.
func (m *Machine) Enqueued(t task.Task) {
	m.deliver(t.TaskID, task.StatusEnqueued, 0, nil, "")
}

// Started reports that t has begun running. The TransferEngine calls it
// as soon as the task is taken off the holding queue, before any request
// is sent.
func (m *Machine) Started(t task.Task) {
	m.deliver(t.TaskID, task.StatusRunning, 0, nil, "")
}

// Progress reports an in-flight progress fraction for a running task.
func (m *Machine) Progress(t task.Task, fraction float64) {
	m.deliver(t.TaskID, task.StatusRunning, fraction, nil, "")
}

// Failed reports that t's run ended in err. If retriesRemaining > 0 the
// task transitions to waitingToRetry and a backoff timer is scheduled;
// on fire, retriesRemaining is decremented and the task is re-enqueued
// with a fresh CreationTime-preserving copy. If retriesRemaining == 0
// this is the final failed status.
func (m *Machine) Failed(t task.Task, err *engine.TransferError) {
	if t.RetriesRemaining > 0 {
		m.deliver(t.TaskID, task.StatusWaitingToRetry, task.ProgressWaitingToRetry, err, "")
		delay := Backoff(t)
		m.scheduler.Schedule(delay, func() {
			next := t.CopyWith(func(c *task.Task) {
				c.RetriesRemaining--
			})
			m.deliver(next.TaskID, task.StatusEnqueued, 0, nil, "")
			if m.requeuer != nil {
				m.requeuer.Requeue(next)
			}
		})
		return
	}
	m.deliver(t.TaskID, task.StatusFailed, task.ProgressFailed, err, "")
}

// NotFound reports a 404 final outcome, optionally carrying the
// response body the server returned.
func (m *Machine) NotFound(t task.Task, body string) {
	m.deliver(t.TaskID, task.StatusNotFound, task.ProgressNotFound, nil, body)
}

// Canceled reports that t was canceled, either while pending or while
// running.
func (m *Machine) Canceled(t task.Task) {
	m.deliver(t.TaskID, task.StatusCanceled, task.ProgressCanceled, nil, "")
}

// Paused reports that t was paused with persisted ResumeData already
// written by the caller.
func (m *Machine) Paused(t task.Task) {
	m.deliver(t.TaskID, task.StatusPaused, task.ProgressPaused, nil, "")
}

// Complete reports a successful terminal outcome.
func (m *Machine) Complete(t task.Task) {
	m.deliver(t.TaskID, task.StatusComplete, 1.0, nil, "")
}
