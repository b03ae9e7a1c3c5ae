package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/raftcore/raftkit/pkg/cluster"
	"github.com/raftcore/raftkit/pkg/raft"
)

func engines(t *testing.T) map[string]raft.PersistenceEngine {
	bolt, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })

	return map[string]raft.PersistenceEngine{
		"memory": NewMemoryStore(),
		"bolt":   bolt,
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	for name, eng := range engines(t) {
		eng := eng
		t.Run(name, func(t *testing.T) {
			require.NoError(t, eng.SaveCurrentTerm(7))
			require.NoError(t, eng.SaveVotedFor("node-2"))

			entry := raft.LogEntry{
				Index:   1,
				Term:    7,
				Kind:    raft.EntryNormal,
				Command: []byte("x=7"),
			}
			require.NoError(t, eng.AppendLogEntry(entry))

			term, err := eng.LoadCurrentTerm()
			require.NoError(t, err)
			require.Equal(t, uint64(7), term)

			votedFor, err := eng.LoadVotedFor()
			require.NoError(t, err)
			require.Equal(t, "node-2", votedFor)

			got, ok, err := eng.GetLogEntry(1)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, entry, got)

			lastIdx, err := eng.LastLogIndex()
			require.NoError(t, err)
			require.Equal(t, uint64(1), lastIdx)
		})
	}
}

func TestGetLogEntriesRange(t *testing.T) {
	for name, eng := range engines(t) {
		eng := eng
		t.Run(name, func(t *testing.T) {
			for i := uint64(1); i <= 5; i++ {
				require.NoError(t, eng.AppendLogEntry(raft.LogEntry{Index: i, Term: 1, Command: []byte{byte(i)}}))
			}

			entries, err := eng.GetLogEntries(2, 4)
			require.NoError(t, err)
			require.Len(t, entries, 3)
			require.Equal(t, uint64(2), entries[0].Index)
			require.Equal(t, uint64(4), entries[2].Index)
		})
	}
}

func TestTruncateLogSuffix(t *testing.T) {
	for name, eng := range engines(t) {
		eng := eng
		t.Run(name, func(t *testing.T) {
			for i := uint64(1); i <= 5; i++ {
				require.NoError(t, eng.AppendLogEntry(raft.LogEntry{Index: i, Term: 1}))
			}

			require.NoError(t, eng.TruncateLogSuffix(3))

			_, ok, err := eng.GetLogEntry(3)
			require.NoError(t, err)
			require.False(t, ok)

			lastIdx, err := eng.LastLogIndex()
			require.NoError(t, err)
			require.Equal(t, uint64(2), lastIdx)
		})
	}
}

func TestSnapshotRoundTripAndTruncation(t *testing.T) {
	for name, eng := range engines(t) {
		eng := eng
		t.Run(name, func(t *testing.T) {
			for i := uint64(1); i <= 10; i++ {
				require.NoError(t, eng.AppendLogEntry(raft.LogEntry{Index: i, Term: 1}))
			}

			snap := &raft.Snapshot{
				LastIncludedIndex: 5,
				LastIncludedTerm:  1,
				Configuration:     cluster.Configuration{New: []string{"a", "b", "c"}},
				StateMachineBytes: []byte("state"),
			}
			require.NoError(t, eng.SaveSnapshot(snap))

			loaded, err := eng.LoadSnapshot()
			require.NoError(t, err)
			require.Equal(t, snap.LastIncludedIndex, loaded.LastIncludedIndex)
			require.Equal(t, snap.StateMachineBytes, loaded.StateMachineBytes)
			require.Equal(t, snap.Configuration.New, loaded.Configuration.New)

			_, ok, err := eng.GetLogEntry(3)
			require.NoError(t, err)
			require.False(t, ok, "entries covered by the snapshot must be discarded")

			_, ok, err = eng.GetLogEntry(7)
			require.NoError(t, err)
			require.True(t, ok, "entries beyond the snapshot must survive")
		})
	}
}
