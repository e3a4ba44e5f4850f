// Package journal keeps a local append-only history of executed commands
// and self-update attempts in a BoltDB file under the storage root. It
// gives operators an audit trail that survives control-plane outages.
package journal

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketCommands = []byte("command_history")
	bucketUpdates  = []byte("update_history")
)

// maxEntries caps each bucket; the oldest entries are pruned past it.
const maxEntries = 500

// CommandRecord is one executed (or rejected) command.
type CommandRecord struct {
	Timestamp time.Time     `json:"timestamp"`
	CommandID string        `json:"command_id"`
	Type      string        `json:"type"`
	Success   bool          `json:"success"`
	ExitCode  int           `json:"exit_code"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// UpdateAttempt is one self-update run.
type UpdateAttempt struct {
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Outcome   string    `json:"outcome"` // "launched", "failed", "rolled_back"
	Error     string    `json:"error,omitempty"`
}

// Journal wraps a BoltDB database for local agent history.
type Journal struct {
	db *bolt.DB
}

// Open creates or opens the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketCommands, bucketUpdates} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error { return j.db.Close() }

// RecordCommand appends a command record.
func (j *Journal) RecordCommand(rec CommandRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	return j.append(bucketCommands, rec.Timestamp, rec)
}

// RecordUpdate appends an update attempt.
func (j *Journal) RecordUpdate(rec UpdateAttempt) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	return j.append(bucketUpdates, rec.Timestamp, rec)
}

// append stores v under a chronologically sortable key and prunes the
// bucket to maxEntries.
func (j *Journal) append(bucket []byte, ts time.Time, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := []byte(fmt.Sprintf("%s::%08d", ts.UTC().Format(time.RFC3339Nano), seq))
		if err := b.Put(key, data); err != nil {
			return err
		}
		return prune(b, maxEntries)
	})
}

// prune deletes the oldest entries until the bucket holds at most limit.
func prune(b *bolt.Bucket, limit int) error {
	excess := b.Stats().KeyN + 1 - limit // KeyN is pre-commit
	if excess <= 0 {
		return nil
	}
	c := b.Cursor()
	k, _ := c.First()
	for i := 0; i < excess && k != nil; i++ {
		if err := c.Delete(); err != nil {
			return err
		}
		k, _ = c.Next()
	}
	return nil
}

// RecentCommands returns up to limit most recent command records, newest
// first.
func (j *Journal) RecentCommands(limit int) ([]CommandRecord, error) {
	var out []CommandRecord
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCommands).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var rec CommandRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// RecentUpdates returns up to limit most recent update attempts, newest
// first.
func (j *Journal) RecentUpdates(limit int) ([]UpdateAttempt, error) {
	var out []UpdateAttempt
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketUpdates).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var rec UpdateAttempt
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}
