// Package storage provides PersistenceEngine implementations: an
// in-memory store for tests (per spec.md's Design Notes) and a durable
// bbolt-backed store for production use.
//
// Grounded on the teacher's pkg/wal/wal.go (term/votedFor/log/snapshot
// shape), reimplemented here against a real embedded store rather than a
// whole-file gob+CRC32 rewrite.
package storage

import (
	"sync"

	"github.com/raftcore/raftkit/pkg/raft"
)

// MemoryStore is a PersistenceEngine backed by in-process maps. It has no
// durability across restarts and is intended for tests and simulations.
type MemoryStore struct {
	mu          sync.RWMutex
	currentTerm uint64
	votedFor    string
	entries     map[uint64]raft.LogEntry
	lastIndex   uint64
	lastTerm    uint64
	snapshot    *raft.Snapshot
}

// NewMemoryStore returns an empty in-memory PersistenceEngine.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[uint64]raft.LogEntry)}
}

func (m *MemoryStore) LoadCurrentTerm() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentTerm, nil
}

func (m *MemoryStore) SaveCurrentTerm(term uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTerm = term
	return nil
}

func (m *MemoryStore) LoadVotedFor() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.votedFor, nil
}

func (m *MemoryStore) SaveVotedFor(nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.votedFor = nodeID
	return nil
}

func (m *MemoryStore) AppendLogEntry(entry raft.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.Index] = entry
	if entry.Index > m.lastIndex {
		m.lastIndex = entry.Index
		m.lastTerm = entry.Term
	}
	return nil
}

func (m *MemoryStore) GetLogEntry(index uint64) (raft.LogEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[index]
	return e, ok, nil
}

func (m *MemoryStore) GetLogEntries(from, to uint64) ([]raft.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]raft.LogEntry, 0, int(to-from+1))
	for i := from; i <= to; i++ {
		if e, ok := m.entries[i]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) TruncateLogSuffix(fromIndex uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for idx := range m.entries {
		if idx >= fromIndex {
			delete(m.entries, idx)
		}
	}

	m.lastIndex, m.lastTerm = 0, 0
	if m.snapshot != nil {
		m.lastIndex, m.lastTerm = m.snapshot.LastIncludedIndex, m.snapshot.LastIncludedTerm
	}
	for idx, e := range m.entries {
		if idx > m.lastIndex {
			m.lastIndex, m.lastTerm = idx, e.Term
		}
	}
	return nil
}

func (m *MemoryStore) LoadSnapshot() (*raft.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snapshot == nil {
		return nil, nil
	}
	clone := *m.snapshot
	return &clone, nil
}

func (m *MemoryStore) SaveSnapshot(snapshot *raft.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *snapshot
	m.snapshot = &clone

	for idx := range m.entries {
		if idx <= snapshot.LastIncludedIndex {
			delete(m.entries, idx)
		}
	}
	if m.lastIndex < snapshot.LastIncludedIndex {
		m.lastIndex, m.lastTerm = snapshot.LastIncludedIndex, snapshot.LastIncludedTerm
	}
	return nil
}

func (m *MemoryStore) LastLogIndex() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastIndex, nil
}

func (m *MemoryStore) LastLogTerm() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastTerm, nil
}

func (m *MemoryStore) Close() error { return nil }
