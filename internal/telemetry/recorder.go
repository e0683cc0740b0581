package telemetry

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

var (
	runsBucket   = []byte("runs")
	eventsBucket = []byte("events")

	// ErrNotFound is returned for unknown runs or empty logs.
	ErrNotFound = errors.New("not found")
)

// RunInfo describes one recorded run.
type RunInfo struct {
	ID      string    `json:"id"`
	Started time.Time `json:"started"`
}

// Recorder persists events in BoltDB: one nested bucket per run under
// "events", keyed by big-endian sequence number.
type Recorder struct {
	db *bbolt.DB
}

// OpenRecorder opens (or creates) the database at path.
func OpenRecorder(path string) (*Recorder, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	db, err := bbolt.Open(path, 0o666, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open BoltDB: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(runsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(eventsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to init buckets: %w", err)
	}
	return &Recorder{db: db}, nil
}

// Close closes the database.
func (r *Recorder) Close() error {
	return r.db.Close()
}

// BeginRun registers a run.
func (r *Recorder) BeginRun(id string, started time.Time) error {
	info, err := json.Marshal(RunInfo{ID: id, Started: started})
	if err != nil {
		return err
	}
	return r.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(runsBucket).Put([]byte(id), info); err != nil {
			return err
		}
		_, err := tx.Bucket(eventsBucket).CreateBucketIfNotExists([]byte(id))
		return err
	})
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// Record stores one encoded event.
func (r *Recorder) Record(runID string, seq uint64, event []byte) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(eventsBucket).CreateBucketIfNotExists([]byte(runID))
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), event)
	})
}

// Latest returns the newest event of a run.
func (r *Recorder) Latest(runID string) ([]byte, error) {
	var out []byte
	err := r.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(eventsBucket).Bucket([]byte(runID))
		if b == nil {
			return ErrNotFound
		}
		_, v := b.Cursor().Last()
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

// Events returns up to limit events of a run starting after seq `after`.
// limit <= 0 means all.
func (r *Recorder) Events(runID string, after uint64, limit int) ([]json.RawMessage, error) {
	var out []json.RawMessage
	err := r.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(eventsBucket).Bucket([]byte(runID))
		if b == nil {
			return ErrNotFound
		}
		c := b.Cursor()
		for k, v := c.Seek(seqKey(after + 1)); k != nil; k, v = c.Next() {
			out = append(out, append(json.RawMessage(nil), v...))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// Runs lists recorded runs, oldest first.
func (r *Recorder) Runs() ([]RunInfo, error) {
	var runs []RunInfo
	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(runsBucket).ForEach(func(_, v []byte) error {
			var info RunInfo
			if err := json.Unmarshal(v, &info); err != nil {
				return err
			}
			runs = append(runs, info)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Started.Before(runs[j].Started) })
	return runs, nil
}
