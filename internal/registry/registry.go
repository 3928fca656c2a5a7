// Package registry holds the engine's in-memory, process-lifetime state:
// bookkeeping that does not survive a restart and exists purely to
// coordinate running tasks (pause/cancel flags, in-flight progress,
// response metadata discovered mid-transfer). Durable state lives in
// internal/store instead.
package registry

import (
	"sync"
	"time"
)

// Registry is safe for concurrent use from multiple goroutines.
type Registry struct {
	mu sync.RWMutex

	pausedTaskIDs                  map[string]struct{}
	canceledTaskIDs                map[string]time.Time
	taskIDsRequiringWiFi           map[string]struct{}
	taskIDsThatCanResume           map[string]struct{}
	taskIDsProgCanceledAfterStart  map[string]struct{}
	progressInfo                   map[string]float64
	remainingBytesToDownload       map[string]int64
	mimeTypes                      map[string]string
	charSets                       map[string]string
	tasksWithSuggestedFilename     map[string]string
	tasksWithContentLengthOverride map[string]int64
	responseBodyData               map[string]string
	totalBytes                     map[string]int64
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		pausedTaskIDs:                  make(map[string]struct{}),
		canceledTaskIDs:                make(map[string]time.Time),
		taskIDsRequiringWiFi:           make(map[string]struct{}),
		taskIDsThatCanResume:           make(map[string]struct{}),
		taskIDsProgCanceledAfterStart:  make(map[string]struct{}),
		progressInfo:                   make(map[string]float64),
		remainingBytesToDownload:       make(map[string]int64),
		mimeTypes:                      make(map[string]string),
		charSets:                       make(map[string]string),
		tasksWithSuggestedFilename:     make(map[string]string),
		tasksWithContentLengthOverride: make(map[string]int64),
		responseBodyData:               make(map[string]string),
		totalBytes:                     make(map[string]int64),
	}
}

// MarkPaused / IsPaused / ClearPaused track tasks currently pausing or paused.
func (r *Registry) MarkPaused(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pausedTaskIDs[taskID] = struct{}{}
}

func (r *Registry) IsPaused(taskID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.pausedTaskIDs[taskID]
	return ok
}

func (r *Registry) ClearPaused(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pausedTaskIDs, taskID)
}

// MarkCanceled records the time a task was canceled; CanceledAt reports
// it.
func (r *Registry) MarkCanceled(taskID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canceledTaskIDs[taskID] = at
}

func (r *Registry) CanceledAt(taskID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.canceledTaskIDs[taskID]
	return t, ok
}

// MarkProgCanceledAfterStart flags a task the caller canceled while it
// was running; WasProgCanceledAfterStart reports the flag. The canceled
// status such a task ends with comes from its canceled context; the
// StateMachine does not read this flag.
func (r *Registry) MarkProgCanceledAfterStart(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.taskIDsProgCanceledAfterStart[taskID] = struct{}{}
}

func (r *Registry) WasProgCanceledAfterStart(taskID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.taskIDsProgCanceledAfterStart[taskID]
	return ok
}

// MarkRequiresWiFi / ClearRequiresWiFi track a set of task ids that
// require Wi-Fi. The HoldingQueue does not consult this set: it gates
// admission on each Task's EffectiveRequiresWiFi against its own
// process policy.
func (r *Registry) MarkRequiresWiFi(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.taskIDsRequiringWiFi[taskID] = struct{}{}
}

func (r *Registry) RequiresWiFi(taskID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.taskIDsRequiringWiFi[taskID]
	return ok
}

func (r *Registry) ClearRequiresWiFi(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.taskIDsRequiringWiFi, taskID)
}

// MarkCanResume / CanResume / ClearCanResume track whether a failed or
// paused task has resume data recorded and is therefore eligible to
// restart at its last byte offset rather than from scratch.
func (r *Registry) MarkCanResume(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.taskIDsThatCanResume[taskID] = struct{}{}
}

func (r *Registry) CanResume(taskID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.taskIDsThatCanResume[taskID]
	return ok
}

func (r *Registry) ClearCanResume(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.taskIDsThatCanResume, taskID)
}

// SetProgress / Progress record the last-emitted progress fraction for a
// running task. The delta-based emission gate (progressGate in
// internal/engine) keeps its own last fraction and does not read this.
func (r *Registry) SetProgress(taskID string, fraction float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progressInfo[taskID] = fraction
}

func (r *Registry) Progress(taskID string) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.progressInfo[taskID]
	return p, ok
}

// SetRemainingBytes / RemainingBytes track the remaining-byte estimate
// of a running single-stream download. The parallel downloader's work
// stealing uses its own per-chunk offsets instead.
func (r *Registry) SetRemainingBytes(taskID string, n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remainingBytesToDownload[taskID] = n
}

func (r *Registry) RemainingBytes(taskID string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.remainingBytesToDownload[taskID]
	return n, ok
}

// TotalRemainingBytes sums remainingBytesToDownload across every task
// currently tracked, for the free-space pre-check.
func (r *Registry) TotalRemainingBytes() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total int64
	for _, n := range r.remainingBytesToDownload {
		total += n
	}
	return total
}

// SetMimeType / MimeType, SetCharSet / CharSet record response metadata
// parsed out of the Content-Type header for callers that want it.
func (r *Registry) SetMimeType(taskID, mime string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mimeTypes[taskID] = mime
}

func (r *Registry) MimeType(taskID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mimeTypes[taskID]
	return m, ok
}

func (r *Registry) SetCharSet(taskID, charset string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.charSets[taskID] = charset
}

func (r *Registry) CharSet(taskID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.charSets[taskID]
	return c, ok
}

// SetSuggestedFilename / SuggestedFilename record the filename derived
// from Content-Disposition or the URL path when Task.Filename is the
// derive-from-server sentinel.
func (r *Registry) SetSuggestedFilename(taskID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasksWithSuggestedFilename[taskID] = name
}

func (r *Registry) SuggestedFilename(taskID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.tasksWithSuggestedFilename[taskID]
	return n, ok
}

// SetContentLengthOverride / ContentLengthOverride record a
// caller-supplied expected size used when the server's Content-Length
// is absent or known to be wrong (e.g. behind a compressing proxy).
func (r *Registry) SetContentLengthOverride(taskID string, n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasksWithContentLengthOverride[taskID] = n
}

func (r *Registry) ContentLengthOverride(taskID string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.tasksWithContentLengthOverride[taskID]
	return n, ok
}

// SetResponseBody / ResponseBody hold a DataTask's small in-memory
// response body for callers that want the bytes rather than a file.
func (r *Registry) SetResponseBody(taskID, body string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responseBodyData[taskID] = body
}

func (r *Registry) ResponseBody(taskID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.responseBodyData[taskID]
	return b, ok
}

// SetTotalBytes / TotalBytes record the resolved total size of a
// running transfer (its Content-Length, once known), for a caller that
// wants to size a progress display before the transfer completes.
func (r *Registry) SetTotalBytes(taskID string, n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalBytes[taskID] = n
}

func (r *Registry) TotalBytes(taskID string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.totalBytes[taskID]
	return n, ok
}

// PurgeTask drops every piece of bookkeeping this registry holds for
// taskID. Called once a task reaches a final state and has been
// reported to the caller.
func (r *Registry) PurgeTask(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pausedTaskIDs, taskID)
	delete(r.canceledTaskIDs, taskID)
	delete(r.taskIDsRequiringWiFi, taskID)
	delete(r.taskIDsThatCanResume, taskID)
	delete(r.taskIDsProgCanceledAfterStart, taskID)
	delete(r.progressInfo, taskID)
	delete(r.remainingBytesToDownload, taskID)
	delete(r.mimeTypes, taskID)
	delete(r.charSets, taskID)
	delete(r.tasksWithSuggestedFilename, taskID)
	delete(r.tasksWithContentLengthOverride, taskID)
	delete(r.responseBodyData, taskID)
	delete(r.totalBytes, taskID)
}
