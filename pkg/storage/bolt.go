package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"

	"github.com/raftcore/raftkit/pkg/raft"
)

var (
	metaBucket  = []byte("meta")
	logBucket   = []byte("log")
	snapBucket  = []byte("snapshot")
	termKey     = []byte("term")
	votedForKey = []byte("voted_for")
	snapshotKey = []byte("snapshot")
)

// BoltStore is a durable PersistenceEngine backed by go.etcd.io/bbolt.
// Every mutating method commits its own bolt transaction before
// returning, satisfying the "durable before response" ordering rule.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (creating if necessary) a bbolt database under dir.
func NewBoltStore(dir string) (*BoltStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(filepath.Join(dir, "raft.db"), 0o600, nil)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{metaBucket, logBucket, snapBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func indexKey(index uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, index)
	return buf
}

func encodeEntry(e raft.LogEntry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEntry(data []byte) (raft.LogEntry, error) {
	var e raft.LogEntry
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&e)
	return e, err
}

func (b *BoltStore) LoadCurrentTerm() (uint64, error) {
	var term uint64
	err := b.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(metaBucket).Get(termKey); v != nil {
			term = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return term, err
}

func (b *BoltStore) SaveCurrentTerm(term uint64) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, term)
		return tx.Bucket(metaBucket).Put(termKey, buf)
	})
}

func (b *BoltStore) LoadVotedFor() (string, error) {
	var votedFor string
	err := b.db.View(func(tx *bbolt.Tx) error {
		votedFor = string(tx.Bucket(metaBucket).Get(votedForKey))
		return nil
	})
	return votedFor, err
}

func (b *BoltStore) SaveVotedFor(nodeID string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metaBucket).Put(votedForKey, []byte(nodeID))
	})
}

func (b *BoltStore) AppendLogEntry(entry raft.LogEntry) error {
	data, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(logBucket).Put(indexKey(entry.Index), data)
	})
}

func (b *BoltStore) GetLogEntry(index uint64) (raft.LogEntry, bool, error) {
	var entry raft.LogEntry
	found := false
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(logBucket).Get(indexKey(index))
		if v == nil {
			return nil
		}
		e, err := decodeEntry(v)
		if err != nil {
			return err
		}
		entry, found = e, true
		return nil
	})
	return entry, found, err
}

func (b *BoltStore) GetLogEntries(from, to uint64) ([]raft.LogEntry, error) {
	var out []raft.LogEntry
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(logBucket).Cursor()
		for k, v := c.Seek(indexKey(from)); k != nil; k, v = c.Next() {
			if binary.BigEndian.Uint64(k) > to {
				break
			}
			e, err := decodeEntry(v)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func (b *BoltStore) TruncateLogSuffix(fromIndex uint64) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(logBucket)
		c := bk.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek(indexKey(fromIndex)); k != nil; k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := bk.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltStore) LoadSnapshot() (*raft.Snapshot, error) {
	var snap *raft.Snapshot
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(snapBucket).Get(snapshotKey)
		if v == nil {
			return nil
		}
		var s raft.Snapshot
		if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&s); err != nil {
			return err
		}
		snap = &s
		return nil
	})
	return snap, err
}

// SaveSnapshot atomically replaces the stored snapshot and truncates every
// log entry it now covers, in a single bolt transaction.
func (b *BoltStore) SaveSnapshot(snapshot *raft.Snapshot) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(*snapshot); err != nil {
		return err
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(snapBucket).Put(snapshotKey, buf.Bytes()); err != nil {
			return err
		}

		bk := tx.Bucket(logBucket)
		c := bk.Cursor()
		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if binary.BigEndian.Uint64(k) <= snapshot.LastIncludedIndex {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range toDelete {
			if err := bk.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltStore) LastLogIndex() (uint64, error) {
	var idx uint64
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(logBucket).Cursor()
		if k, _ := c.Last(); k != nil {
			idx = binary.BigEndian.Uint64(k)
			return nil
		}
		if v := tx.Bucket(snapBucket).Get(snapshotKey); v != nil {
			var s raft.Snapshot
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&s); err == nil {
				idx = s.LastIncludedIndex
			}
		}
		return nil
	})
	return idx, err
}

func (b *BoltStore) LastLogTerm() (uint64, error) {
	var term uint64
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(logBucket).Cursor()
		if k, v := c.Last(); k != nil {
			e, err := decodeEntry(v)
			if err != nil {
				return err
			}
			term = e.Term
			return nil
		}
		if v := tx.Bucket(snapBucket).Get(snapshotKey); v != nil {
			var s raft.Snapshot
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&s); err == nil {
				term = s.LastIncludedTerm
			}
		}
		return nil
	})
	return term, err
}

func (b *BoltStore) Close() error { return b.db.Close() }
