package store

import (
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/transferengine/core/internal/task"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTaskRecordRoundTrip(t *testing.T) {
	s := openTestStore(t)
	rec := task.Record{
		Task:             task.Task{TaskID: "t1", URL: "https://example.com/f"},
		Status:           task.StatusRunning,
		Progress:         0.5,
		ExpectedFileSize: 1024,
	}

	if err := s.StoreTaskRecord(rec); err != nil {
		t.Fatalf("StoreTaskRecord: %v", err)
	}

	got, found, err := s.RetrieveTaskRecord("t1")
	if err != nil {
		t.Fatalf("RetrieveTaskRecord: %v", err)
	}
	if !found {
		t.Fatal("record not found")
	}
	if got.Task.URL != rec.Task.URL || got.Status != rec.Status || got.Progress != rec.Progress {
		t.Errorf("got %+v, want %+v", got, rec)
	}

	if err := s.RemoveTaskRecord("t1"); err != nil {
		t.Fatalf("RemoveTaskRecord: %v", err)
	}
	_, found, err = s.RetrieveTaskRecord("t1")
	if err != nil {
		t.Fatalf("RetrieveTaskRecord after remove: %v", err)
	}
	if found {
		t.Error("record still found after removal")
	}
}

func TestRetrieveAllTaskRecordsWithPredicate(t *testing.T) {
	s := openTestStore(t)
	for i, status := range []task.Status{task.StatusRunning, task.StatusComplete, task.StatusFailed} {
		rec := task.Record{
			Task:   task.Task{TaskID: string(rune('a' + i))},
			Status: status,
		}
		if err := s.StoreTaskRecord(rec); err != nil {
			t.Fatalf("StoreTaskRecord: %v", err)
		}
	}

	all, err := s.RetrieveAllTaskRecords(nil)
	if err != nil {
		t.Fatalf("RetrieveAllTaskRecords: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d records, want 3", len(all))
	}

	final, err := s.RetrieveAllTaskRecords(func(r task.Record) bool { return r.Status.IsFinal() })
	if err != nil {
		t.Fatalf("RetrieveAllTaskRecords with predicate: %v", err)
	}
	if len(final) != 2 {
		t.Fatalf("got %d final records, want 2", len(final))
	}
}

func TestPausedTaskRoundTrip(t *testing.T) {
	s := openTestStore(t)
	tk := task.Task{TaskID: "p1", URL: "https://example.com/x"}

	if err := s.StorePausedTask(tk); err != nil {
		t.Fatalf("StorePausedTask: %v", err)
	}
	got, found, err := s.RetrievePausedTask("p1")
	if err != nil || !found {
		t.Fatalf("RetrievePausedTask: found=%v err=%v", found, err)
	}
	if got.URL != tk.URL {
		t.Errorf("got URL %q, want %q", got.URL, tk.URL)
	}

	all, err := s.RetrieveAllPausedTasks()
	if err != nil || len(all) != 1 {
		t.Fatalf("RetrieveAllPausedTasks: %v, len=%d", err, len(all))
	}

	if err := s.RemovePausedTask("p1"); err != nil {
		t.Fatalf("RemovePausedTask: %v", err)
	}
	_, found, _ = s.RetrievePausedTask("p1")
	if found {
		t.Error("paused task still found after removal")
	}
}

func TestResumeDataRoundTrip(t *testing.T) {
	s := openTestStore(t)
	rd := task.ResumeData{
		TaskID:            "r1",
		Data:              "/tmp/r1.part",
		RequiredStartByte: 4096,
		ETag:              `"abc"`,
		Modified:          time.Unix(1700000000, 0).UTC(),
	}

	if err := s.StoreResumeData(rd); err != nil {
		t.Fatalf("StoreResumeData: %v", err)
	}
	got, found, err := s.RetrieveResumeData("r1")
	if err != nil || !found {
		t.Fatalf("RetrieveResumeData: found=%v err=%v", found, err)
	}
	if got.RequiredStartByte != rd.RequiredStartByte || got.ETag != rd.ETag {
		t.Errorf("got %+v, want %+v", got, rd)
	}

	all, err := s.RetrieveAllResumeData()
	if err != nil || len(all) != 1 {
		t.Fatalf("RetrieveAllResumeData: %v, len=%d", err, len(all))
	}

	if err := s.RemoveResumeData("r1"); err != nil {
		t.Fatalf("RemoveResumeData: %v", err)
	}
	_, found, _ = s.RetrieveResumeData("r1")
	if found {
		t.Error("resume data still found after removal")
	}
}

func TestModifiedTaskRoundTrip(t *testing.T) {
	s := openTestStore(t)
	tk := task.Task{TaskID: "orig", URL: "https://example.com/new"}

	if err := s.StoreModifiedTask("orig", tk); err != nil {
		t.Fatalf("StoreModifiedTask: %v", err)
	}
	got, found, err := s.RetrieveModifiedTask("orig")
	if err != nil || !found {
		t.Fatalf("RetrieveModifiedTask: found=%v err=%v", found, err)
	}
	if got.URL != tk.URL {
		t.Errorf("got URL %q, want %q", got.URL, tk.URL)
	}

	all, err := s.RetrieveAllModifiedTasks()
	if err != nil || len(all) != 1 {
		t.Fatalf("RetrieveAllModifiedTasks: %v, len=%d", err, len(all))
	}

	if err := s.RemoveModifiedTask("orig"); err != nil {
		t.Fatalf("RemoveModifiedTask: %v", err)
	}
	_, found, _ = s.RetrieveModifiedTask("orig")
	if found {
		t.Error("modified task still found after removal")
	}
}

// storeRowAt writes a row directly with an explicit ModifiedAt/Modified
// timestamp, bypassing StorePausedTask/StoreModifiedTask/StoreResumeData
// (which always stamp "now") so PurgeOld's age cutoff can be exercised.
func storeRowAt(t *testing.T, s *Store, key string, v interface{}) {
	t.Helper()
	if err := s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, key, v)
	}); err != nil {
		t.Fatalf("storeRowAt(%q): %v", key, err)
	}
}

func TestPurgeOld(t *testing.T) {
	s := openTestStore(t)
	now := time.Unix(1700000000, 0).UTC()
	old := now.Add(-40 * 24 * time.Hour)
	recent := now.Add(-1 * time.Hour)

	storeRowAt(t, s, prefixPaused+"old", pausedRow{Task: task.Task{TaskID: "old"}, ModifiedAt: old})
	storeRowAt(t, s, prefixPaused+"recent", pausedRow{Task: task.Task{TaskID: "recent"}, ModifiedAt: recent})
	storeRowAt(t, s, prefixMod+"old", modifiedRow{Task: task.Task{TaskID: "old"}, ModifiedAt: old})
	storeRowAt(t, s, prefixMod+"recent", modifiedRow{Task: task.Task{TaskID: "recent"}, ModifiedAt: recent})
	storeRowAt(t, s, prefixResume+"old", task.ResumeData{TaskID: "old", Modified: old})
	storeRowAt(t, s, prefixResume+"recent", task.ResumeData{TaskID: "recent", Modified: recent})

	// Task records are untouched by PurgeOld; they have their own
	// removal path.
	if err := s.StoreTaskRecord(task.Record{Task: task.Task{TaskID: "old"}, Status: task.StatusComplete}); err != nil {
		t.Fatalf("StoreTaskRecord: %v", err)
	}

	n, err := s.PurgeOld(30*24*time.Hour, now)
	if err != nil {
		t.Fatalf("PurgeOld: %v", err)
	}
	if n != 3 {
		t.Fatalf("purged %d, want 3 (one each of paused/modified/resumeData)", n)
	}

	if _, found, _ := s.RetrievePausedTask("old"); found {
		t.Error("old paused row survived purge")
	}
	if _, found, _ := s.RetrievePausedTask("recent"); !found {
		t.Error("recent paused row was purged")
	}
	if _, found, _ := s.RetrieveModifiedTask("old"); found {
		t.Error("old modified row survived purge")
	}
	if _, found, _ := s.RetrieveModifiedTask("recent"); !found {
		t.Error("recent modified row was purged")
	}
	if _, found, _ := s.RetrieveResumeData("old"); found {
		t.Error("old resumeData row survived purge")
	}
	if _, found, _ := s.RetrieveResumeData("recent"); !found {
		t.Error("recent resumeData row was purged")
	}
	if _, found, _ := s.RetrieveTaskRecord("old"); !found {
		t.Error("task record was purged by PurgeOld, but it has its own removal path")
	}
}
