// Package commitwait bridges log indices to client futures: the node
// registers a pending operation when a command is appended, and notifies
// it once the entry has been both committed and applied.
//
// Grounded on the teacher's pendingCommands map in pkg/raft/node.go,
// generalized to support multiple operations per index, explicit
// deadlines, and the cancel-family the core requires.
package commitwait

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Operation is a client command awaiting commit+apply.
type Operation struct {
	ID       string
	Index    uint64
	Term     uint64
	Deadline time.Time

	fulfill func(result []byte)
	reject  func(err error)
}

// Waiter is the thread-safe index -> operation registry. Its internal
// lock is never held across a fulfill/reject callback.
type Waiter struct {
	mu  sync.Mutex
	ops map[uint64][]*Operation
}

// New creates an empty commit-waiter.
func New() *Waiter {
	return &Waiter{ops: make(map[uint64][]*Operation)}
}

// Register inserts a new pending operation keyed by index. Multiple
// operations may share an index. Returns the operation id for tracing.
func (w *Waiter) Register(index, term uint64, deadline time.Time, fulfill func([]byte), reject func(error)) string {
	op := &Operation{
		ID:       uuid.NewString(),
		Index:    index,
		Term:     term,
		Deadline: deadline,
		fulfill:  fulfill,
		reject:   reject,
	}

	w.mu.Lock()
	w.ops[index] = append(w.ops[index], op)
	w.mu.Unlock()

	return op.ID
}

// NotifyCommittedAndApplied invokes produce (the node's state-machine
// application call) exactly once for index, unconditionally — a commit
// applies to every replica's state machine whether or not that replica
// has any client waiting on it, so produce must run even when index has
// no registered operation. Its result then fans out to every waiter
// registered at that index. If produce returns an error, every waiter at
// index is rejected instead, and the error is returned to the caller so
// it can halt applying beyond index.
//
// This is the apply-before-fulfill boundary (P9): produce is called while
// the waiter holds no lock, and its result is what callbacks observe —
// never a value read before apply.
func (w *Waiter) NotifyCommittedAndApplied(index uint64, produce func(uint64) ([]byte, error)) error {
	result, err := produce(index)

	w.mu.Lock()
	pending := w.ops[index]
	delete(w.ops, index)
	w.mu.Unlock()

	for _, op := range pending {
		if err != nil {
			op.reject(err)
		} else {
			op.fulfill(result)
		}
	}
	return err
}

// CancelAllLeadershipLost rejects every pending operation with reason,
// which the node supplies as a LeadershipLost{oldTerm, newTerm} error.
// Called from the Leader -> Follower transition.
func (w *Waiter) CancelAllLeadershipLost(reason error) {
	w.drainAll(reason)
}

// CancelOperationsAfterIndex rejects every pending operation whose index
// is strictly greater than committedIndex, e.g. after a partial commit
// followed by loss of leadership over the remaining entries.
func (w *Waiter) CancelOperationsAfterIndex(committedIndex uint64, reason error) {
	w.mu.Lock()
	var doomed []*Operation
	for idx, ops := range w.ops {
		if idx > committedIndex {
			doomed = append(doomed, ops...)
			delete(w.ops, idx)
		}
	}
	w.mu.Unlock()

	for _, op := range doomed {
		op.reject(reason)
	}
}

// CancelTimedOutOperations rejects every operation whose deadline has
// passed with the supplied reason (typically *raft.CommitTimeoutError).
func (w *Waiter) CancelTimedOutOperations(now time.Time, reasonFor func(index uint64) error) {
	w.mu.Lock()
	var doomed []*Operation
	for idx, ops := range w.ops {
		kept := ops[:0:0]
		for _, op := range ops {
			if now.After(op.Deadline) {
				doomed = append(doomed, op)
			} else {
				kept = append(kept, op)
			}
		}
		if len(kept) == 0 {
			delete(w.ops, idx)
		} else {
			w.ops[idx] = kept
		}
	}
	w.mu.Unlock()

	for _, op := range doomed {
		op.reject(reasonFor(op.Index))
	}
}

// CancelAllOperations rejects every pending operation unconditionally.
// Used on the shutdown path.
func (w *Waiter) CancelAllOperations(reason error) {
	w.drainAll(reason)
}

func (w *Waiter) drainAll(reason error) {
	w.mu.Lock()
	var doomed []*Operation
	for idx, ops := range w.ops {
		doomed = append(doomed, ops...)
		delete(w.ops, idx)
	}
	w.mu.Unlock()

	for _, op := range doomed {
		op.reject(reason)
	}
}

// PendingCount returns the number of pending operations across all
// indices. Exposed for tests.
func (w *Waiter) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	count := 0
	for _, ops := range w.ops {
		count += len(ops)
	}
	return count
}
