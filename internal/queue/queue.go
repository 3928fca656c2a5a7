// Package queue implements the HoldingQueue: admission control over the
// ordered multiset of tasks waiting to run. It decides WHEN a task may
// start; the engine decides HOW it runs.
package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/transferengine/core/internal/task"
)

// NetworkState reports whether the active network interface is Wi-Fi.
// An unknown network type must be reported as false: per policy, an
// unclassifiable interface is treated as "not Wi-Fi" rather than
// optimistically admitting a requiresWiFi task.
type NetworkState interface {
	IsWiFi() bool
}

// StaticNetworkState is a NetworkState that never changes, useful for
// tests and for platforms with no live network-type detection.
type StaticNetworkState bool

func (s StaticNetworkState) IsWiFi() bool { return bool(s) }

// Limits holds the queue's admission caps.
type Limits struct {
	MaxConcurrent        int
	MaxConcurrentByHost  int // 0 = unlimited
	MaxConcurrentByGroup int // 0 = unlimited
}

// DefaultLimits returns the engine's default caps: 10 concurrent,
// unlimited per-host and per-group.
func DefaultLimits() Limits {
	return Limits{MaxConcurrent: 10}
}

type entry struct {
	task       task.Task
	enqueuedAt time.Time // tie-breaker only; CreationTime is the sort key
}

// HoldingQueue is safe for concurrent use.
type HoldingQueue struct {
	mu      sync.Mutex
	pending []entry

	runningTotal int
	runningHost  map[string]int
	runningGroup map[string]int

	limits        Limits
	network       NetworkState
	processPolicy task.WiFiRequirement
}

// New creates an empty HoldingQueue with the given limits and network
// state source. processPolicy is the process-wide Wi-Fi override;
// callers update it at runtime via SetProcessPolicy.
func New(limits Limits, network NetworkState, processPolicy task.WiFiRequirement) *HoldingQueue {
	return &HoldingQueue{
		runningHost:   make(map[string]int),
		runningGroup:  make(map[string]int),
		limits:        limits,
		network:       network,
		processPolicy: processPolicy,
	}
}

// Enqueue adds t to the pending set. Callers must call Advance
// afterwards to pull any now-admissible task.
func (q *HoldingQueue) Enqueue(t task.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, entry{task: t, enqueuedAt: time.Now()})
	q.sortLocked()
}

// Requeue puts t back into the pending set, preserving its original
// CreationTime, and re-sorts: t takes its place by priority and
// CreationTime like any other entry rather than jumping ahead.
// Used for the Wi-Fi-policy-change reschedule path.
func (q *HoldingQueue) Requeue(t task.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append([]entry{{task: t, enqueuedAt: time.Time{}}}, q.pending...)
	q.sortLocked()
}

func (q *HoldingQueue) sortLocked() {
	sort.SliceStable(q.pending, func(i, j int) bool {
		a, b := q.pending[i].task, q.pending[j].task
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.CreationTime.Before(b.CreationTime)
	})
}

// SetProcessPolicy updates the process-wide Wi-Fi policy. Callers should
// follow with Advance (and, for running tasks whose admissibility
// changed, their own reschedule logic - this queue only controls
// pending admission, not already-running tasks).
func (q *HoldingQueue) SetProcessPolicy(policy task.WiFiRequirement) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processPolicy = policy
}

// Start records that t has begun running, for the concurrency caps.
// Call when a task returned from Advance actually starts executing.
func (q *HoldingQueue) Start(t task.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.runningTotal++
	if h := t.Host(); h != "" {
		q.runningHost[h]++
	}
	if t.Group != "" {
		q.runningGroup[t.Group]++
	}
}

// Finish records that t has left the running set (any final state).
func (q *HoldingQueue) Finish(t task.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.runningTotal > 0 {
		q.runningTotal--
	}
	if h := t.Host(); h != "" {
		if q.runningHost[h] > 0 {
			q.runningHost[h]--
		}
	}
	if t.Group != "" {
		if q.runningGroup[t.Group] > 0 {
			q.runningGroup[t.Group]--
		}
	}
}

// admissibleLocked reports whether t may start running right now.
func (q *HoldingQueue) admissibleLocked(t task.Task) bool {
	if q.limits.MaxConcurrent > 0 && q.runningTotal >= q.limits.MaxConcurrent {
		return false
	}
	if host := t.Host(); host != "" && q.limits.MaxConcurrentByHost > 0 && q.runningHost[host] >= q.limits.MaxConcurrentByHost {
		return false
	}
	if t.Group != "" && q.limits.MaxConcurrentByGroup > 0 && q.runningGroup[t.Group] >= q.limits.MaxConcurrentByGroup {
		return false
	}
	if t.EffectiveRequiresWiFi(q.processPolicy) && !q.network.IsWiFi() {
		return false
	}
	return true
}

// Advance scans the pending set in priority order and admits the first
// admissible task it finds, removing it from the pending set. If the
// head is blocked only by concurrency/host/group/Wi-Fi, the scan
// continues past it to the next candidate: starvation is bounded
// because the skipped head stays first on the next call. Returns the
// admitted task and true, or the zero Task and false if nothing is
// admissible right now.
func (q *HoldingQueue) Advance() (task.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.pending {
		if q.admissibleLocked(e.task) {
			q.pending = append(q.pending[:i:i], q.pending[i+1:]...)
			return e.task, true
		}
	}
	return task.Task{}, false
}

// AdvanceAll repeatedly admits tasks until none remain admissible,
// returning every admitted task in admission order. Does not call
// Start on the caller's behalf - the caller is expected to do so once
// it has actually begun executing each returned task.
func (q *HoldingQueue) AdvanceAll() []task.Task {
	var out []task.Task
	for {
		t, ok := q.Advance()
		if !ok {
			return out
		}
		out = append(out, t)
	}
}

// Remove drops a pending task by id, used when a caller cancels a task
// that has not yet started running. Returns true if it was found and
// removed.
func (q *HoldingQueue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.pending {
		if e.task.TaskID == taskID {
			q.pending = append(q.pending[:i:i], q.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of pending (not yet admitted) tasks.
func (q *HoldingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// RunningCount returns the number of tasks currently marked running.
func (q *HoldingQueue) RunningCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.runningTotal
}

// Pending returns a snapshot of the pending tasks in admission order.
func (q *HoldingQueue) Pending() []task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]task.Task, len(q.pending))
	for i, e := range q.pending {
		out[i] = e.task
	}
	return out
}
