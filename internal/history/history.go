// Package history keeps the results of past pipeline runs in a bbolt file
// so they survive restarts and can be listed from the web UI.
package history

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cjeanneret/SnapID/internal/debug"
	"github.com/cjeanneret/SnapID/internal/pipeline"
	"github.com/cjeanneret/SnapID/internal/upload"
)

const (
	// DefaultMaxRecords bounds the store when no limit is configured.
	DefaultMaxRecords = 500
	// recorderQueue is how many finished runs may wait for the writer.
	recorderQueue = 32
)

var runsBucket = []byte("runs")

// Record is one finished run as stored on disk.
type Record struct {
	RunID      string        `json:"run_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	State      string        `json:"state"`
	Message    string        `json:"message"`
	Outcome    upload.Kind   `json:"outcome,omitempty"`
	Label      string        `json:"label,omitempty"`
	Distance   *float64      `json:"distance,omitempty"`
	HTTPCode   int           `json:"http_code,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
}

// FromRun converts a pipeline run summary into a storable Record.
func FromRun(r pipeline.Record) Record {
	rec := Record{
		RunID:      r.RunID,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		State:      r.State.String(),
		Message:    r.Message,
		Duration:   r.FinishedAt.Sub(r.StartedAt),
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	if r.Outcome == nil {
		return rec
	}
	rec.Outcome = r.Outcome.Kind()
	switch o := r.Outcome.(type) {
	case upload.Recognized:
		rec.Label = o.Label
		d := o.Distance
		rec.Distance = &d
	case upload.ServerError:
		rec.HTTPCode = o.HTTPCode
	case upload.MalformedResponse:
		rec.HTTPCode = o.HTTPCode
	}
	return rec
}

// Store is a bounded, append-only log of runs.
type Store struct {
	db  *bolt.DB
	max int

	mu     sync.Mutex
	closed bool
	queue  chan Record
	done   chan struct{}
}

// Open opens (creating if needed) the store at path, keeping at most
// maxRecords entries. maxRecords <= 0 selects DefaultMaxRecords.
func Open(path string, maxRecords int) (*Store, error) {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(runsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("history: init: %w", err)
	}
	debug.Verbose("History: opened %s (max %d records)", path, maxRecords)
	s := &Store{
		db:    db,
		max:   maxRecords,
		queue: make(chan Record, recorderQueue),
		done:  make(chan struct{}),
	}
	go s.writer()
	return s, nil
}

// writer persists records queued by Recorder.
func (s *Store) writer() {
	defer close(s.done)
	for rec := range s.queue {
		if err := s.Append(rec); err != nil {
			debug.Error(err)
		}
	}
}

// Append stores rec and prunes the oldest entries beyond the limit.
func (s *Store) Append(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("history: encode: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(runsBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		if err := b.Put(itob(seq), data); err != nil {
			return err
		}
		return prune(b, s.max)
	})
}

func prune(b *bolt.Bucket, max int) error {
	n := 0
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	extra := n - max
	if extra <= 0 {
		return nil
	}
	var stale [][]byte
	for k, _ := c.First(); k != nil && len(stale) < extra; k, _ = c.Next() {
		stale = append(stale, append([]byte(nil), k...))
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	debug.Trace("History: pruned %d records", len(stale))
	return nil
}

// Recent returns up to limit records, newest first. limit <= 0 returns all.
func (s *Store) Recent(limit int) ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(runsBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("history: decode record %d: %w", binary.BigEndian.Uint64(k), err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// Recorder adapts the store to pipeline.WithRecorder. Records are queued
// and written by a background goroutine, so the caller never waits on
// disk. When the queue is full, or after Close, the record is dropped and
// logged.
func (s *Store) Recorder() func(pipeline.Record) {
	return func(r pipeline.Record) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			debug.Info("History: store closed, run %s not recorded", r.RunID)
			return
		}
		select {
		case s.queue <- FromRun(r):
		default:
			debug.Info("History: queue full, run %s not recorded", r.RunID)
		}
	}
}

// Close writes what Recorder queued, then releases the database file.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	return s.db.Close()
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
