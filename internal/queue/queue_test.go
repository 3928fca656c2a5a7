package queue

import (
	"testing"
	"time"

	"github.com/transferengine/core/internal/task"
)

func mkTask(id string, priority int, creation time.Time) task.Task {
	return task.Task{TaskID: id, Priority: priority, CreationTime: creation}
}

func TestAdvance_PriorityThenCreationTimeOrder(t *testing.T) {
	q := New(Limits{MaxConcurrent: 1}, StaticNetworkState(false), task.WiFiAsSetByTask)
	base := time.Unix(1700000000, 0)

	q.Enqueue(mkTask("low-early", 5, base))
	q.Enqueue(mkTask("high", 1, base.Add(time.Second)))
	q.Enqueue(mkTask("low-late", 5, base.Add(2*time.Second)))

	got, ok := q.Advance()
	if !ok || got.TaskID != "high" {
		t.Fatalf("first admitted = %v, ok=%v; want high", got.TaskID, ok)
	}
}

func TestAdvance_RespectsMaxConcurrent(t *testing.T) {
	q := New(Limits{MaxConcurrent: 1}, StaticNetworkState(false), task.WiFiAsSetByTask)
	q.Enqueue(mkTask("a", 0, time.Unix(1, 0)))
	q.Enqueue(mkTask("b", 0, time.Unix(2, 0)))

	admitted, ok := q.Advance()
	if !ok {
		t.Fatal("expected first task admitted")
	}
	q.Start(admitted)

	if _, ok := q.Advance(); ok {
		t.Fatal("second task should not be admitted while at MaxConcurrent")
	}

	q.Finish(admitted)
	if _, ok := q.Advance(); !ok {
		t.Fatal("expected admission after Finish freed a slot")
	}
}

func TestAdvance_PerHostCap(t *testing.T) {
	q := New(Limits{MaxConcurrent: 10, MaxConcurrentByHost: 1}, StaticNetworkState(false), task.WiFiAsSetByTask)
	a := mkTask("a", 0, time.Unix(1, 0))
	a.URL = "https://example.com/a"
	b := mkTask("b", 0, time.Unix(2, 0))
	b.URL = "https://example.com/b"

	q.Enqueue(a)
	q.Enqueue(b)

	admitted, ok := q.Advance()
	if !ok {
		t.Fatal("expected first task admitted")
	}
	q.Start(admitted)

	if _, ok := q.Advance(); ok {
		t.Fatal("second task on same host should be blocked by per-host cap")
	}
}

func TestAdvance_StarvationBoundedPromotion(t *testing.T) {
	q := New(Limits{MaxConcurrent: 10, MaxConcurrentByHost: 1}, StaticNetworkState(false), task.WiFiAsSetByTask)
	blocked := mkTask("blocked", 0, time.Unix(1, 0))
	blocked.URL = "https://example.com/x"
	promotable := mkTask("promotable", 1, time.Unix(2, 0))
	promotable.URL = "https://other.example/y"

	q.Enqueue(blocked)
	q.Enqueue(promotable)

	first, ok := q.Advance()
	if !ok || first.TaskID != "blocked" {
		t.Fatalf("first admitted = %v, ok=%v; want blocked", first.TaskID, ok)
	}
	q.Start(first)

	second, ok := q.Advance()
	if !ok || second.TaskID != "promotable" {
		t.Fatalf("second admitted = %v, ok=%v; want promotable (skip-ahead)", second.TaskID, ok)
	}
}

func TestAdvance_WiFiGating(t *testing.T) {
	wifiTask := mkTask("needs-wifi", 0, time.Unix(1, 0))
	wifiTask.RequiresWiFi = task.WiFiForAllTasks

	notOnWiFi := New(Limits{MaxConcurrent: 10}, StaticNetworkState(false), task.WiFiAsSetByTask)
	notOnWiFi.Enqueue(wifiTask)
	if _, ok := notOnWiFi.Advance(); ok {
		t.Fatal("task requiring wifi should not be admitted when network is not wifi")
	}

	onWiFi := New(Limits{MaxConcurrent: 10}, StaticNetworkState(true), task.WiFiAsSetByTask)
	onWiFi.Enqueue(wifiTask)
	if _, ok := onWiFi.Advance(); !ok {
		t.Fatal("task requiring wifi should be admitted when network is wifi")
	}
}

func TestAdvance_UnknownNetworkTreatedAsNotWiFi(t *testing.T) {
	wifiTask := mkTask("needs-wifi", 0, time.Unix(1, 0))
	wifiTask.RequiresWiFi = task.WiFiForAllTasks

	q := New(Limits{MaxConcurrent: 10}, StaticNetworkState(false), task.WiFiAsSetByTask)
	q.Enqueue(wifiTask)
	if _, ok := q.Advance(); ok {
		t.Fatal("unknown/non-wifi network must not admit a wifi-required task")
	}
}

func TestRequeue_PreservesCreationTimeOrdering(t *testing.T) {
	q := New(Limits{MaxConcurrent: 10}, StaticNetworkState(false), task.WiFiAsSetByTask)
	older := mkTask("older", 2, time.Unix(1, 0))
	q.Enqueue(older)

	requeued := mkTask("requeued", 5, time.Unix(0, 0))
	q.Requeue(requeued)

	got, ok := q.Advance()
	if !ok || got.TaskID != "older" {
		t.Fatalf("got %v, ok=%v; want older (higher priority wins even after requeue)", got.TaskID, ok)
	}
}

func TestRemove(t *testing.T) {
	q := New(DefaultLimits(), StaticNetworkState(false), task.WiFiAsSetByTask)
	q.Enqueue(mkTask("a", 0, time.Unix(1, 0)))

	if !q.Remove("a") {
		t.Fatal("Remove returned false for pending task")
	}
	if q.Remove("a") {
		t.Fatal("Remove returned true for already-removed task")
	}
	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", q.Len())
	}
}

func TestAdvanceAll(t *testing.T) {
	q := New(Limits{MaxConcurrent: 10}, StaticNetworkState(false), task.WiFiAsSetByTask)
	q.Enqueue(mkTask("a", 0, time.Unix(1, 0)))
	q.Enqueue(mkTask("b", 0, time.Unix(2, 0)))
	q.Enqueue(mkTask("c", 0, time.Unix(3, 0)))

	all := q.AdvanceAll()
	if len(all) != 3 {
		t.Fatalf("AdvanceAll returned %d tasks, want 3", len(all))
	}
	if q.Len() != 0 {
		t.Fatalf("pending len after AdvanceAll = %d, want 0", q.Len())
	}
}
