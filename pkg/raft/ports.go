package raft

import "context"

// PersistenceEngine durably stores term, votedFor, log entries and the
// most recent snapshot. Every mutating method returns only after
// durability — the node relies on this to satisfy the "durable before
// response" ordering rule (spec §4.1).
type PersistenceEngine interface {
	LoadCurrentTerm() (uint64, error)
	SaveCurrentTerm(term uint64) error

	LoadVotedFor() (string, error)
	SaveVotedFor(nodeID string) error

	AppendLogEntry(entry LogEntry) error
	GetLogEntry(index uint64) (LogEntry, bool, error)
	GetLogEntries(from, to uint64) ([]LogEntry, error)
	TruncateLogSuffix(fromIndex uint64) error

	LoadSnapshot() (*Snapshot, error)
	SaveSnapshot(snapshot *Snapshot) error

	LastLogIndex() (uint64, error)
	LastLogTerm() (uint64, error)

	Close() error
}

// StateMachine applies committed commands and produces/restores
// snapshots. Apply is deterministic and may return an error, which halts
// the node's application loop.
type StateMachine interface {
	Apply(commandBytes []byte, logIndex uint64) ([]byte, error)
	GetState() ([]byte, error)
	RestoreFromSnapshot(snapshotBytes []byte, lastAppliedIndex uint64) error
}

// NetworkClient sends the three RPC kinds to a named peer. Implementations
// surface errors as typed failures classifiable by pkg/retry.
type NetworkClient interface {
	SendRequestVote(ctx context.Context, target string, req *RequestVoteRequest) (*RequestVoteResponse, error)
	SendAppendEntries(ctx context.Context, target string, req *AppendEntriesRequest) (*AppendEntriesResponse, error)
	SendInstallSnapshot(ctx context.Context, target string, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error)
}

// RequestVoteHandler, AppendEntriesHandler and InstallSnapshotHandler are
// the node-supplied callbacks a NetworkServer dispatches incoming RPCs to.
type RequestVoteHandler func(ctx context.Context, req *RequestVoteRequest) (*RequestVoteResponse, error)
type AppendEntriesHandler func(ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesResponse, error)
type InstallSnapshotHandler func(ctx context.Context, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error)

// NetworkServer hosts RPC endpoints and dispatches to node handlers. It is
// responsible only for dispatch and codec, never for Raft semantics.
type NetworkServer interface {
	RegisterRequestVoteHandler(h RequestVoteHandler)
	RegisterAppendEntriesHandler(h AppendEntriesHandler)
	RegisterInstallSnapshotHandler(h InstallSnapshotHandler)
	Start() error
	Stop() error
}

// Logger is a fire-and-forget side channel; it must never block progress.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// MetricsSink is a fire-and-forget side channel for observability.
type MetricsSink interface {
	IncCounter(name string, labels map[string]string)
	ObserveDuration(name string, labels map[string]string, seconds float64)
	SetGauge(name string, labels map[string]string, value float64)
}

// noopLogger and noopMetrics are the zero-value collaborators used when a
// caller does not supply one; they satisfy "never block progress" by
// construction.
type noopLogger struct{}

func (noopLogger) Debugf(string, ...interface{}) {}
func (noopLogger) Infof(string, ...interface{})  {}
func (noopLogger) Warnf(string, ...interface{})  {}
func (noopLogger) Errorf(string, ...interface{}) {}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, map[string]string)                 {}
func (noopMetrics) ObserveDuration(string, map[string]string, float64)   {}
func (noopMetrics) SetGauge(string, map[string]string, float64)          {}
