package reconcile

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const checkpointBucket = "reconcile_checkpoint"
const lastSweepKey = "last_sweep_unix_s"

// Checkpoint durably records the reconciler's last-completed sweep time
// across restarts. The sweep does not read it back: every sweep scans live
// repository state in full. Adapted from the teacher's db/bolt/bolt.go (bbolt
// open/bucket/PutJSON/GetJSON helpers), narrowed from a general embedded
// key-value store to this one watermark.
type Checkpoint struct {
	db *bolt.DB
}

// OpenCheckpoint opens (creating if absent) a bbolt file at path.
func OpenCheckpoint(path string) (*Checkpoint, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open reconcile checkpoint: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(checkpointBucket))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create reconcile checkpoint bucket: %w", err)
	}
	return &Checkpoint{db: db}, nil
}

func (c *Checkpoint) Close() error { return c.db.Close() }

// LastSweep returns the unix-seconds timestamp of the last completed sweep,
// or zero if none has ever run.
func (c *Checkpoint) LastSweep() (int64, error) {
	var ts int64
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(checkpointBucket))
		data := b.Get([]byte(lastSweepKey))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &ts)
	})
	return ts, err
}

// RecordSweep persists ts as the last-completed sweep watermark.
func (c *Checkpoint) RecordSweep(ts int64) error {
	data, err := json.Marshal(ts)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(checkpointBucket))
		return b.Put([]byte(lastSweepKey), data)
	})
}
