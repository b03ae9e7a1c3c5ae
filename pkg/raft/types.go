package raft

import (
	"time"

	"github.com/raftcore/raftkit/pkg/cluster"
)

// Role is the role a node plays at a point in time.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// EntryKind distinguishes ordinary client commands from the entries a
// node appends on its own.
type EntryKind int

const (
	EntryNormal EntryKind = iota
	EntryNoop
	EntryConfig
)

// LogEntry is a single entry in the replicated log. Command is an opaque
// byte sequence handed to the state machine verbatim; configuration
// entries instead carry a Configuration value.
type LogEntry struct {
	Index   uint64
	Term    uint64
	Kind    EntryKind
	Command []byte
	Config  cluster.Configuration
}

// Snapshot supersedes all log entries at or below LastIncludedIndex.
type Snapshot struct {
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Configuration     cluster.Configuration
	StateMachineBytes []byte
}

// RequestVoteRequest/Response, AppendEntriesRequest/Response and
// InstallSnapshotRequest/Response are the three RPC kinds. They are
// codec-agnostic: any RpcSerializer MUST round-trip every field (P7).
type RequestVoteRequest struct {
	Term         uint64
	CandidateID  string
	LastLogIndex uint64
	LastLogTerm  uint64
}

type RequestVoteResponse struct {
	Term        uint64
	VoteGranted bool
}

type AppendEntriesRequest struct {
	Term         uint64
	LeaderID     string
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []LogEntry
	LeaderCommit uint64
}

type AppendEntriesResponse struct {
	Term          uint64
	Success       bool
	ConflictIndex uint64
	ConflictTerm  uint64
}

// InstallSnapshotRequest carries one chunk of a snapshot. Chunks MUST be
// applied in strict offset order; Done marks the final chunk.
type InstallSnapshotRequest struct {
	Term              uint64
	LeaderID          string
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Offset            uint64
	Data              []byte
	Done              bool
}

type InstallSnapshotResponse struct {
	Term uint64
}

// Config holds the configuration for a Raft node.
type Config struct {
	ID                 string
	Peers              []string
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	SnapshotThreshold  uint64
	// CommandTimeout bounds submit_command/read_state when the caller
	// does not supply its own context deadline.
	CommandTimeout time.Duration
}

// DefaultConfig returns a default configuration.
func DefaultConfig(id string, peers []string) Config {
	return Config{
		ID:                 id,
		Peers:              peers,
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
		SnapshotThreshold:  1000,
		CommandTimeout:     2 * time.Second,
	}
}

// CommitResult is the outcome handed back to a submitted command.
type CommitResult struct {
	Index uint64
	Term  uint64
	Value []byte
}
