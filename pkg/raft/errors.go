package raft

import (
	"errors"
	"fmt"
	"time"
)

// Singleton sentinel errors, compared with errors.Is. The errors below
// this block carry data and are typed so callers can errors.As into them.
var (
	ErrShutdown              = errors.New("raft: node is stopping")
	ErrCancelledByConfig     = errors.New("raft: operation cancelled by membership change")
	ErrNodeNotFound          = errors.New("raft: node not found")
	ErrLogCompacted          = errors.New("raft: requested entry has been compacted into a snapshot")
	ErrSnapshotFailed        = errors.New("raft: snapshot operation failed")
	ErrMembershipChangePending = errors.New("raft: a membership change is already in progress")
	ErrOutOfOrderSnapshotChunk = errors.New("raft: snapshot chunk received out of order")
)

// NotLeaderError is returned by submit_command/read_state when the node
// is not the leader. KnownLeader is advisory and may be empty.
type NotLeaderError struct {
	KnownLeader string
}

func (e *NotLeaderError) Error() string {
	if e.KnownLeader == "" {
		return "raft: not the leader"
	}
	return fmt.Sprintf("raft: not the leader, try %s", e.KnownLeader)
}

// CommitTimeoutError is returned when a command's deadline elapses before
// it is committed and applied. The command may or may not still commit.
type CommitTimeoutError struct {
	Index    uint64
	Duration time.Duration
}

func (e *CommitTimeoutError) Error() string {
	return fmt.Sprintf("raft: commit timeout for index %d after %s", e.Index, e.Duration)
}

// LeadershipLostError is returned when the node steps down (or observes a
// higher term) while a command was pending. The outcome is indeterminate;
// clients must re-submit idempotently.
type LeadershipLostError struct {
	OldTerm uint64
	NewTerm uint64
}

func (e *LeadershipLostError) Error() string {
	return fmt.Sprintf("raft: leadership lost (term %d -> %d)", e.OldTerm, e.NewTerm)
}

// ApplicationError is returned when the state machine refuses a command.
// No further commands are applied once this occurs.
type ApplicationError struct {
	Index uint64
	Cause error
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("raft: state machine error applying index %d: %v", e.Index, e.Cause)
}

func (e *ApplicationError) Unwrap() error { return e.Cause }

// NodeHaltedError indicates the node suffered a fatal local persistence
// failure — a log append, term/vote save, or log truncation that did not
// durably commit — and has permanently stopped participating in the
// cluster. A node in this state never recovers on its own; it must be
// restarted so it can reload whatever state did make it to disk.
type NodeHaltedError struct {
	Cause error
}

func (e *NodeHaltedError) Error() string {
	return fmt.Sprintf("raft: node halted after persistence failure: %v", e.Cause)
}

func (e *NodeHaltedError) Unwrap() error { return e.Cause }
