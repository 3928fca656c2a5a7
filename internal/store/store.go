// Package store persists task records, paused tasks, resume data, and
// modified-task snapshots in a single embedded Badger database, keyed by
// prefix per logical table.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/transferengine/core/internal/task"
)

const (
	prefixRecord = "rec:"
	prefixPaused = "paused:"
	prefixMod    = "mod:"
	prefixResume = "resume:"
)

// Store wraps a Badger database open at a single directory.
type Store struct {
	db *badger.DB
}

// Open opens (creating if absent) a Badger database at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func setJSON(txn *badger.Txn, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), data)
}

func getJSON(txn *badger.Txn, key string, v interface{}) (bool, error) {
	item, err := txn.Get([]byte(key))
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var found bool
	err = item.Value(func(val []byte) error {
		found = true
		return json.Unmarshal(val, v)
	})
	return found, err
}

func scanPrefix(txn *badger.Txn, prefix string, fn func(key []byte, val []byte) error) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	p := []byte(prefix)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		item := it.Item()
		if err := item.Value(func(val []byte) error {
			return fn(item.KeyCopy(nil), val)
		}); err != nil {
			return err
		}
	}
	return nil
}

// StoreTaskRecord upserts the (Task, Status, Progress, ExpectedFileSize)
// row for rec.Task.TaskID.
func (s *Store) StoreTaskRecord(rec task.Record) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, prefixRecord+rec.Task.TaskID, rec)
	})
}

// RetrieveTaskRecord returns the row for taskID, or found=false if absent.
func (s *Store) RetrieveTaskRecord(taskID string) (rec task.Record, found bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		var e error
		found, e = getJSON(txn, prefixRecord+taskID, &rec)
		return e
	})
	return rec, found, err
}

// RetrieveAllTaskRecords returns every record for which where returns
// true, or every record if where is nil.
func (s *Store) RetrieveAllTaskRecords(where func(task.Record) bool) ([]task.Record, error) {
	var out []task.Record
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, prefixRecord, func(_ []byte, val []byte) error {
			var rec task.Record
			if err := json.Unmarshal(val, &rec); err != nil {
				return err
			}
			if where == nil || where(rec) {
				out = append(out, rec)
			}
			return nil
		})
	})
	return out, err
}

// RemoveTaskRecord deletes the row for taskID, if present.
func (s *Store) RemoveTaskRecord(taskID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(prefixRecord + taskID))
	})
}

// pausedRow wraps a paused Task with the timestamp it was paused at,
// so PurgeOld has an age to filter on.
type pausedRow struct {
	Task       task.Task
	ModifiedAt time.Time
}

// StorePausedTask records that taskID's task has been paused.
func (s *Store) StorePausedTask(t task.Task) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, prefixPaused+t.TaskID, pausedRow{Task: t, ModifiedAt: time.Now()})
	})
}

// RetrievePausedTask returns the paused task snapshot for taskID.
func (s *Store) RetrievePausedTask(taskID string) (t task.Task, found bool, err error) {
	var row pausedRow
	err = s.db.View(func(txn *badger.Txn) error {
		var e error
		found, e = getJSON(txn, prefixPaused+taskID, &row)
		return e
	})
	return row.Task, found, err
}

// RetrieveAllPausedTasks returns every paused task snapshot.
func (s *Store) RetrieveAllPausedTasks() ([]task.Task, error) {
	var out []task.Task
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, prefixPaused, func(_ []byte, val []byte) error {
			var row pausedRow
			if err := json.Unmarshal(val, &row); err != nil {
				return err
			}
			out = append(out, row.Task)
			return nil
		})
	})
	return out, err
}

// RemovePausedTask deletes the paused snapshot for taskID, if present.
func (s *Store) RemovePausedTask(taskID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(prefixPaused + taskID))
	})
}

// StoreResumeData upserts resume state for rd.TaskID.
func (s *Store) StoreResumeData(rd task.ResumeData) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, prefixResume+rd.TaskID, rd)
	})
}

// RetrieveResumeData returns resume state for taskID.
func (s *Store) RetrieveResumeData(taskID string) (rd task.ResumeData, found bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		var e error
		found, e = getJSON(txn, prefixResume+taskID, &rd)
		return e
	})
	return rd, found, err
}

// RetrieveAllResumeData returns every stored resume row.
func (s *Store) RetrieveAllResumeData() ([]task.ResumeData, error) {
	var out []task.ResumeData
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, prefixResume, func(_ []byte, val []byte) error {
			var rd task.ResumeData
			if err := json.Unmarshal(val, &rd); err != nil {
				return err
			}
			out = append(out, rd)
			return nil
		})
	})
	return out, err
}

// RemoveResumeData deletes the resume row for taskID, if present.
func (s *Store) RemoveResumeData(taskID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(prefixResume + taskID))
	})
}

// modifiedRow wraps a replacement Task with the timestamp it was
// recorded at, so PurgeOld has an age to filter on.
type modifiedRow struct {
	Task       task.Task
	ModifiedAt time.Time
}

// StoreModifiedTask records a caller-supplied replacement for an
// already-enqueued task, keyed by the original taskID.
func (s *Store) StoreModifiedTask(taskID string, t task.Task) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, prefixMod+taskID, modifiedRow{Task: t, ModifiedAt: time.Now()})
	})
}

// RetrieveModifiedTask returns the replacement task recorded for taskID.
func (s *Store) RetrieveModifiedTask(taskID string) (t task.Task, found bool, err error) {
	var row modifiedRow
	err = s.db.View(func(txn *badger.Txn) error {
		var e error
		found, e = getJSON(txn, prefixMod+taskID, &row)
		return e
	})
	return row.Task, found, err
}

// RetrieveAllModifiedTasks returns every pending modified-task row.
func (s *Store) RetrieveAllModifiedTasks() ([]task.Task, error) {
	var out []task.Task
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, prefixMod, func(_ []byte, val []byte) error {
			var row modifiedRow
			if err := json.Unmarshal(val, &row); err != nil {
				return err
			}
			out = append(out, row.Task)
			return nil
		})
	})
	return out, err
}

// RemoveModifiedTask deletes the modified-task row for taskID, if present.
func (s *Store) RemoveModifiedTask(taskID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(prefixMod + taskID))
	})
}

// PurgeOld deletes paused, modified, and resumeData rows older than
// age, measured from each row's own last-modified timestamp. An age of
// zero or less means the default of 30 days. Task records have their own
// removal path (RemoveTaskRecord) and are not touched here.
func (s *Store) PurgeOld(age time.Duration, now time.Time) (int, error) {
	if age <= 0 {
		age = 30 * 24 * time.Hour
	}
	cutoff := now.Add(-age)
	var toDelete [][]byte

	err := s.db.View(func(txn *badger.Txn) error {
		if err := scanPrefix(txn, prefixPaused, func(key []byte, val []byte) error {
			var row pausedRow
			if err := json.Unmarshal(val, &row); err != nil {
				return err
			}
			if row.ModifiedAt.Before(cutoff) {
				toDelete = append(toDelete, key)
			}
			return nil
		}); err != nil {
			return err
		}
		if err := scanPrefix(txn, prefixMod, func(key []byte, val []byte) error {
			var row modifiedRow
			if err := json.Unmarshal(val, &row); err != nil {
				return err
			}
			if row.ModifiedAt.Before(cutoff) {
				toDelete = append(toDelete, key)
			}
			return nil
		}); err != nil {
			return err
		}
		return scanPrefix(txn, prefixResume, func(key []byte, val []byte) error {
			var rd task.ResumeData
			if err := json.Unmarshal(val, &rd); err != nil {
				return err
			}
			if rd.Modified.Before(cutoff) {
				toDelete = append(toDelete, key)
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	if len(toDelete) == 0 {
		return 0, nil
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		for _, key := range toDelete {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	return len(toDelete), err
}
