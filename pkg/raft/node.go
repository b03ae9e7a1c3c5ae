package raft

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/raftcore/raftkit/pkg/cluster"
	"github.com/raftcore/raftkit/pkg/collector"
	"github.com/raftcore/raftkit/pkg/commitwait"
	"github.com/raftcore/raftkit/pkg/retry"
)

// snapshotChunkSize bounds a single InstallSnapshot RPC payload. Chunks
// are sent, and must be received, in strict offset order (see
// HandleInstallSnapshot).
const snapshotChunkSize = 1 << 20

// Node is a single participant in a Raft cluster. It owns no transport or
// durability mechanism directly; those are supplied as collaborators so
// the same Node logic runs in tests against an in-process transport and
// in production against gRPC and bbolt.
type Node struct {
	mu sync.RWMutex

	id  string
	cfg Config

	currentTerm uint64
	votedFor    string
	log         []LogEntry // in-memory cache mirroring persistence; log[0] is a sentinel

	role        Role
	commitIndex uint64
	lastApplied uint64

	// haltErr is set once by haltLocked after a fatal local failure (a
	// persistence error, or a state machine that refused a committed
	// entry) and never cleared. A halted node rejects every RPC and
	// client operation and its run and apply loops exit.
	haltErr error

	leaderID string

	configuration cluster.Configuration
	nextIndex     map[string]uint64
	matchIndex    map[string]uint64

	configChangeInFlight bool

	snapshot *Snapshot

	// snapshot-receive state for strict in-order InstallSnapshot chunking.
	recvTerm   uint64
	recvLeader string
	recvBuf    []byte
	recvActive bool

	electionMu       sync.Mutex
	electionDeadline time.Time

	stopCh   chan struct{}
	stopOnce sync.Once

	persistence PersistenceEngine
	sm          StateMachine
	network     NetworkClient
	logger      Logger
	metrics     MetricsSink

	waiter *commitwait.Waiter
	retry  *retry.Handler
}

// NewNode constructs a Node. logger and metrics may be nil, in which case
// fire-and-forget no-op collaborators are used.
func NewNode(cfg Config, persistence PersistenceEngine, sm StateMachine, network NetworkClient, logger Logger, metrics MetricsSink) (*Node, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}

	n := &Node{
		id:          cfg.ID,
		cfg:         cfg,
		log:         []LogEntry{{Index: 0, Term: 0, Kind: EntryNoop}},
		role:        Follower,
		nextIndex:   make(map[string]uint64),
		matchIndex:  make(map[string]uint64),
		stopCh:      make(chan struct{}),
		persistence: persistence,
		sm:          sm,
		network:     network,
		logger:      logger,
		metrics:     metrics,
		waiter:      commitwait.New(),
		retry:       retry.NewHandler(),
	}

	voters := append([]string{cfg.ID}, cfg.Peers...)
	n.configuration = cluster.Configuration{New: voters}

	if err := n.restore(); err != nil {
		return nil, fmt.Errorf("raft: restoring persisted state: %w", err)
	}

	return n, nil
}

// Start begins the node's background loops: the role-driven run loop, the
// sequential apply loop, and the commit-waiter deadline sweeper.
func (n *Node) Start() {
	n.resetElectionDeadline()
	go n.run()
	go n.applyLoop()
	go n.timeoutSweepLoop()
}

// Stop halts all background activity and rejects every pending client
// operation with ErrShutdown.
func (n *Node) Stop() {
	n.stopOnce.Do(func() { close(n.stopCh) })
	n.waiter.CancelAllOperations(ErrShutdown)
}

// haltLocked permanently halts the node on its first call; later calls
// are no-ops. It rejects every pending client operation immediately so
// callers never observe false success after the underlying failure.
func (n *Node) haltLocked(err error) {
	if n.haltErr != nil {
		return
	}
	n.haltErr = err
	n.logger.Errorf("node %s halted: %v", n.id, err)
	n.waiter.CancelAllOperations(err)
}

func (n *Node) haltedErr() error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.haltErr
}

func (n *Node) run() {
	for {
		select {
		case <-n.stopCh:
			return
		default:
		}

		if n.haltedErr() != nil {
			return
		}

		n.mu.RLock()
		role := n.role
		n.mu.RUnlock()

		switch role {
		case Follower:
			n.runFollower()
		case Candidate:
			n.runCandidate()
		case Leader:
			n.runLeader()
		}
	}
}

func (n *Node) runFollower() {
	for {
		select {
		case <-n.stopCh:
			return
		default:
		}

		n.electionMu.Lock()
		timeout := time.Until(n.electionDeadline)
		n.electionMu.Unlock()

		if timeout <= 0 {
			n.mu.Lock()
			if n.role == Follower {
				n.becomeCandidate()
			}
			n.mu.Unlock()
			return
		}

		select {
		case <-n.stopCh:
			return
		case <-time.After(timeout):
		}
	}
}

func (n *Node) runCandidate() {
	n.mu.Lock()
	n.currentTerm++
	n.votedFor = n.id
	if err := n.persistTermAndVote(); err != nil {
		n.mu.Unlock()
		return
	}
	term := n.currentTerm
	lastIdx, lastTerm := n.lastLogIndexLocked(), n.lastLogTermLocked()
	config := n.configuration
	n.mu.Unlock()

	n.resetElectionDeadline()
	n.logger.Infof("node %s starting election for term %d", n.id, term)

	peers := votingPeersExcludingSelf(config, n.id)

	if len(peers) == 0 {
		// Single-voter configuration: the candidate's own vote is already
		// a majority, nobody to fan out to.
		n.mu.Lock()
		defer n.mu.Unlock()
		if n.role != Candidate || n.currentTerm != term {
			return
		}
		n.becomeLeaderLocked()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.randomElectionTimeout())
	defer cancel()

	col := new(collector.Collector)
	outcome, err := col.CollectUntil(ctx, n.id, peers, func(ctx context.Context, peer string) collector.Response {
		resp, callErr := n.network.SendRequestVote(ctx, peer, &RequestVoteRequest{
			Term:         term,
			CandidateID:  n.id,
			LastLogIndex: lastIdx,
			LastLogTerm:  lastTerm,
		})
		if callErr != nil {
			n.retry.Observe(callErr)
			return collector.Response{Ack: false, Err: callErr}
		}
		return collector.Response{Term: resp.Term, Ack: resp.VoteGranted}
	}, func(acked map[string]bool) bool {
		return config.HasMajority(acked)
	})

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.role != Candidate || n.currentTerm != term {
		return
	}

	if err == nil && outcome.Majority {
		if higher, ok := collector.HigherTerm(outcome.Responses, term); ok {
			n.becomeFollowerLocked(higher)
			return
		}
		n.becomeLeaderLocked()
		return
	}

	if higher, ok := collector.HigherTerm(outcome.Responses, term); ok {
		n.becomeFollowerLocked(higher)
	}
	// Otherwise stay candidate; run() re-enters runCandidate and starts a
	// fresh election at an incremented term.
}

func (n *Node) runLeader() {
	n.sendHeartbeats()

	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.mu.RLock()
			isLeader := n.role == Leader && n.haltErr == nil
			n.mu.RUnlock()
			if !isLeader {
				return
			}

			n.sendHeartbeats()
			n.maybeSnapshot()
		}
	}
}

func votingPeersExcludingSelf(c cluster.Configuration, self string) []string {
	var out []string
	for _, id := range c.VotingSet() {
		if id != self {
			out = append(out, id)
		}
	}
	return out
}

func (n *Node) sendHeartbeats() {
	n.mu.RLock()
	if n.role != Leader {
		n.mu.RUnlock()
		return
	}
	term := n.currentTerm
	config := n.configuration
	n.mu.RUnlock()

	for _, peer := range votingPeersExcludingSelf(config, n.id) {
		go n.replicateTo(peer, term)
	}
}

// replicateTo sends one AppendEntries (or, if the peer has fallen behind
// the snapshot horizon, an InstallSnapshot stream) and updates leader
// state from the reply.
func (n *Node) replicateTo(peer string, term uint64) {
	n.mu.RLock()
	if n.role != Leader || n.currentTerm != term {
		n.mu.RUnlock()
		return
	}

	nextIdx := n.nextIndex[peer]
	if nextIdx == 0 {
		nextIdx = n.lastLogIndexLocked() + 1
	}

	snapshotIdx := uint64(0)
	if n.snapshot != nil {
		snapshotIdx = n.snapshot.LastIncludedIndex
	}
	if snapshotIdx > 0 && nextIdx <= snapshotIdx {
		n.mu.RUnlock()
		n.sendSnapshot(peer, term)
		return
	}

	prevLogIndex := nextIdx - 1
	prevLogTerm := n.termAtLocked(prevLogIndex)
	entries := n.entriesFromLocked(nextIdx)
	leaderCommit := n.commitIndex
	n.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.HeartbeatInterval*4)
	defer cancel()

	resp, err := n.network.SendAppendEntries(ctx, peer, &AppendEntriesRequest{
		Term:         term,
		LeaderID:     n.id,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      entries,
		LeaderCommit: leaderCommit,
	})
	if err != nil {
		n.retry.Observe(err)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if resp.Term > n.currentTerm {
		n.becomeFollowerLocked(resp.Term)
		return
	}
	if n.role != Leader || n.currentTerm != term {
		return
	}

	if resp.Success {
		newNext := nextIdx + uint64(len(entries))
		if newNext > n.nextIndex[peer] {
			n.nextIndex[peer] = newNext
		}
		if newNext-1 > n.matchIndex[peer] {
			n.matchIndex[peer] = newNext - 1
		}
		n.tryAdvanceCommitIndexLocked()
		return
	}

	n.backOffNextIndexLocked(peer, resp)
}

func (n *Node) backOffNextIndexLocked(peer string, resp *AppendEntriesResponse) {
	if resp.ConflictTerm > 0 {
		lastIdxForTerm := uint64(0)
		for i := len(n.log) - 1; i >= 0; i-- {
			if n.log[i].Term == resp.ConflictTerm {
				lastIdxForTerm = n.log[i].Index
				break
			}
		}
		if lastIdxForTerm > 0 {
			n.nextIndex[peer] = lastIdxForTerm + 1
			return
		}
		n.nextIndex[peer] = resp.ConflictIndex
		return
	}
	if resp.ConflictIndex > 0 {
		n.nextIndex[peer] = resp.ConflictIndex
		return
	}
	if n.nextIndex[peer] > 1 {
		n.nextIndex[peer]--
	}
}

func (n *Node) sendSnapshot(peer string, term uint64) {
	n.mu.RLock()
	if n.role != Leader || n.snapshot == nil {
		n.mu.RUnlock()
		return
	}
	snap := *n.snapshot
	n.mu.RUnlock()

	data := snap.StateMachineBytes
	for offset := 0; ; offset += snapshotChunkSize {
		end := offset + snapshotChunkSize
		done := end >= len(data)
		if done {
			end = len(data)
		}

		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.HeartbeatInterval*8)
		resp, err := n.network.SendInstallSnapshot(ctx, peer, &InstallSnapshotRequest{
			Term:              term,
			LeaderID:          n.id,
			LastIncludedIndex: snap.LastIncludedIndex,
			LastIncludedTerm:  snap.LastIncludedTerm,
			Offset:            uint64(offset),
			Data:              data[offset:end],
			Done:              done,
		})
		cancel()
		if err != nil {
			return
		}

		n.mu.Lock()
		if resp.Term > n.currentTerm {
			n.becomeFollowerLocked(resp.Term)
			n.mu.Unlock()
			return
		}
		if n.role != Leader || n.currentTerm != term {
			n.mu.Unlock()
			return
		}
		n.mu.Unlock()

		if done {
			n.mu.Lock()
			n.nextIndex[peer] = snap.LastIncludedIndex + 1
			n.matchIndex[peer] = snap.LastIncludedIndex
			n.mu.Unlock()
			return
		}
	}
}

// tryAdvanceCommitIndexLocked applies the commit-safety rule (P1/P2):
// commit the highest index acknowledged by a majority under the current
// (possibly joint) configuration, but only if that index was appended
// during the leader's current term.
func (n *Node) tryAdvanceCommitIndexLocked() {
	if n.role != Leader {
		return
	}

	candidates := n.candidateCommitIndicesLocked()
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] > candidates[j] })

	for _, idx := range candidates {
		if idx <= n.commitIndex {
			break
		}
		if n.termAtLocked(idx) != n.currentTerm {
			continue
		}
		if !n.hasMajorityForLocked(idx) {
			continue
		}
		n.advanceCommitIndexToLocked(idx)
		break
	}
}

func (n *Node) candidateCommitIndicesLocked() []uint64 {
	seen := map[uint64]bool{n.lastLogIndexLocked(): true}
	out := []uint64{n.lastLogIndexLocked()}
	for _, idx := range n.matchIndex {
		if !seen[idx] {
			seen[idx] = true
			out = append(out, idx)
		}
	}
	return out
}

func (n *Node) hasMajorityForLocked(index uint64) bool {
	acked := map[string]bool{n.id: true}
	for peer, matchIdx := range n.matchIndex {
		if matchIdx >= index {
			acked[peer] = true
		}
	}
	return n.configuration.HasMajority(acked)
}

func (n *Node) advanceCommitIndexToLocked(newCommit uint64) {
	old := n.commitIndex
	n.commitIndex = newCommit
	n.logger.Infof("node %s advanced commit index %d -> %d", n.id, old, newCommit)
	n.metrics.SetGauge("commit_index", map[string]string{"node": n.id}, float64(newCommit))
}

// --- RPC handlers ---

func (n *Node) HandleRequestVote(ctx context.Context, req *RequestVoteRequest) (*RequestVoteResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.haltErr != nil {
		return &RequestVoteResponse{Term: n.currentTerm}, n.haltErr
	}

	resp := &RequestVoteResponse{Term: n.currentTerm}
	if req.Term < n.currentTerm {
		return resp, nil
	}
	if req.Term > n.currentTerm {
		if err := n.becomeFollowerLocked(req.Term); err != nil {
			return resp, err
		}
	}
	resp.Term = n.currentTerm

	upToDate := n.isLogUpToDateLocked(req.LastLogIndex, req.LastLogTerm)
	if (n.votedFor == "" || n.votedFor == req.CandidateID) && upToDate {
		previousVote := n.votedFor
		n.votedFor = req.CandidateID
		if err := n.persistTermAndVote(); err != nil {
			// Durable state is now uncertain; don't claim a vote we
			// can't be sure was recorded.
			n.votedFor = previousVote
			return resp, err
		}
		resp.VoteGranted = true
		n.resetElectionDeadline()
	}
	return resp, nil
}

func (n *Node) HandleAppendEntries(ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.haltErr != nil {
		return &AppendEntriesResponse{Term: n.currentTerm}, n.haltErr
	}

	resp := &AppendEntriesResponse{Term: n.currentTerm}
	if req.Term < n.currentTerm {
		return resp, nil
	}
	if req.Term > n.currentTerm || n.role == Candidate {
		if err := n.becomeFollowerLocked(req.Term); err != nil {
			return resp, err
		}
	}

	n.leaderID = req.LeaderID
	n.resetElectionDeadline()
	resp.Term = n.currentTerm

	if req.PrevLogIndex > 0 {
		idx := n.arrayIndexLocked(req.PrevLogIndex)
		if idx < 0 || idx >= len(n.log) {
			resp.ConflictIndex = n.lastLogIndexLocked() + 1
			return resp, nil
		}
		if n.log[idx].Term != req.PrevLogTerm {
			conflictTerm := n.log[idx].Term
			resp.ConflictTerm = conflictTerm
			resp.ConflictIndex = n.log[0].Index
			for i := idx; i >= 0; i-- {
				if n.log[i].Term != conflictTerm {
					resp.ConflictIndex = n.log[i+1].Index
					break
				}
			}
			return resp, nil
		}
	}

	for i, entry := range req.Entries {
		logIdx := n.arrayIndexLocked(req.PrevLogIndex + 1 + uint64(i))
		if logIdx >= 0 && logIdx < len(n.log) {
			if n.log[logIdx].Term != entry.Term {
				if err := n.truncateSuffixLocked(entry.Index); err != nil {
					return resp, err
				}
				if err := n.appendEntryLocked(entry); err != nil {
					return resp, err
				}
			}
		} else {
			if err := n.appendEntryLocked(entry); err != nil {
				return resp, err
			}
		}
		if entry.Kind == EntryConfig {
			n.configuration = entry.Config
		}
	}

	if req.LeaderCommit > n.commitIndex {
		lastNew := req.PrevLogIndex + uint64(len(req.Entries))
		if req.LeaderCommit < lastNew {
			n.commitIndex = req.LeaderCommit
		} else {
			n.commitIndex = lastNew
		}
	}

	resp.Success = true
	return resp, nil
}

func (n *Node) HandleInstallSnapshot(ctx context.Context, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.haltErr != nil {
		return &InstallSnapshotResponse{Term: n.currentTerm}, n.haltErr
	}

	resp := &InstallSnapshotResponse{Term: n.currentTerm}
	if req.Term < n.currentTerm {
		return resp, nil
	}
	if req.Term > n.currentTerm {
		if err := n.becomeFollowerLocked(req.Term); err != nil {
			return resp, err
		}
	}
	n.leaderID = req.LeaderID
	n.resetElectionDeadline()
	resp.Term = n.currentTerm

	if req.Offset == 0 {
		n.recvActive = true
		n.recvTerm = req.Term
		n.recvLeader = req.LeaderID
		n.recvBuf = append([]byte(nil), req.Data...)
	} else {
		if !n.recvActive || req.Term != n.recvTerm || req.LeaderID != n.recvLeader || req.Offset != uint64(len(n.recvBuf)) {
			n.recvActive = false
			n.recvBuf = nil
			return resp, ErrOutOfOrderSnapshotChunk
		}
		n.recvBuf = append(n.recvBuf, req.Data...)
	}

	if !req.Done {
		return resp, nil
	}

	snap := &Snapshot{
		LastIncludedIndex: req.LastIncludedIndex,
		LastIncludedTerm:  req.LastIncludedTerm,
		StateMachineBytes: n.recvBuf,
	}
	n.recvActive = false
	n.recvBuf = nil

	if err := n.persistence.SaveSnapshot(snap); err != nil {
		return resp, err
	}
	if err := n.sm.RestoreFromSnapshot(snap.StateMachineBytes, snap.LastIncludedIndex); err != nil {
		return resp, err
	}

	n.log = []LogEntry{{Index: snap.LastIncludedIndex, Term: snap.LastIncludedTerm, Kind: EntryNoop}}
	n.snapshot = snap
	if snap.LastIncludedIndex > n.commitIndex {
		n.commitIndex = snap.LastIncludedIndex
	}
	if snap.LastIncludedIndex > n.lastApplied {
		n.lastApplied = snap.LastIncludedIndex
	}
	n.logger.Infof("node %s installed snapshot at index %d", n.id, snap.LastIncludedIndex)
	return resp, nil
}

// --- client-facing operations ---

// SubmitCommand appends commandBytes as a new log entry if this node is
// currently the leader, and resolves once the entry has been committed
// and applied to the state machine (or the context expires, or
// leadership is lost first).
func (n *Node) SubmitCommand(ctx context.Context, commandBytes []byte) (CommitResult, error) {
	n.mu.Lock()
	if n.role != Leader {
		leader := n.leaderID
		n.mu.Unlock()
		return CommitResult{}, &NotLeaderError{KnownLeader: leader}
	}
	if n.haltErr != nil {
		err := n.haltErr
		n.mu.Unlock()
		return CommitResult{}, err
	}

	entry := LogEntry{Index: n.lastLogIndexLocked() + 1, Term: n.currentTerm, Kind: EntryNormal, Command: commandBytes}
	if err := n.appendEntryLocked(entry); err != nil {
		n.mu.Unlock()
		return CommitResult{}, err
	}
	term := n.currentTerm
	n.mu.Unlock()

	return n.awaitCommit(ctx, entry.Index, term)
}

func (n *Node) awaitCommit(ctx context.Context, index, term uint64) (CommitResult, error) {
	deadline, hasDeadline := ctx.Deadline()
	if !hasDeadline {
		deadline = time.Now().Add(n.cfg.CommandTimeout)
	}

	resultCh := make(chan CommitResult, 1)
	errCh := make(chan error, 1)

	n.waiter.Register(index, term, deadline, func(value []byte) {
		resultCh <- CommitResult{Index: index, Term: term, Value: value}
	}, func(err error) {
		errCh <- err
	})

	select {
	case res := <-resultCh:
		return res, nil
	case err := <-errCh:
		return CommitResult{}, err
	case <-ctx.Done():
		return CommitResult{}, ctx.Err()
	}
}

// ReadState performs a linearizable read barrier: it confirms leadership
// via a heartbeat quorum, waits until an entry of the current term has
// committed and the apply index has reached the commit index, and
// returns that index. The caller then reads its own StateMachine
// directly, observing a state at least as fresh as this index.
func (n *Node) ReadState(ctx context.Context) (uint64, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.cfg.CommandTimeout)
		defer cancel()
	}

	n.mu.RLock()
	if n.role != Leader {
		leader := n.leaderID
		n.mu.RUnlock()
		return 0, &NotLeaderError{KnownLeader: leader}
	}
	if n.haltErr != nil {
		err := n.haltErr
		n.mu.RUnlock()
		return 0, err
	}
	readIdx := n.commitIndex
	term := n.currentTerm
	config := n.configuration
	n.mu.RUnlock()

	if !n.confirmLeadership(ctx, term, config) {
		return 0, &NotLeaderError{}
	}

	for {
		n.mu.RLock()
		applied := n.lastApplied
		stillLeader := n.role == Leader && n.currentTerm == term
		if n.termAtLocked(readIdx) != term {
			// Until this term's no-op commits, the commit index may be a
			// prior term's stale value; read from the current one.
			readIdx = n.commitIndex
		}
		termCommitted := n.termAtLocked(readIdx) == term
		n.mu.RUnlock()

		if !stillLeader {
			return 0, &LeadershipLostError{OldTerm: term}
		}
		if termCommitted && applied >= readIdx {
			return readIdx, nil
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// confirmLeadership blocks until a majority of the configured voters have
// acknowledged this term's leadership, honoring joint-consensus double
// majority (Old and New both) the same way tryAdvanceCommitIndexLocked
// does for commit advancement — a single-majority check here would let a
// leader confirm reads or elections against only the New half of an
// in-flight membership change.
func (n *Node) confirmLeadership(ctx context.Context, term uint64, config cluster.Configuration) bool {
	peers := votingPeersExcludingSelf(config, n.id)
	if len(peers) == 0 {
		return true
	}

	col := new(collector.Collector)

	ctx, cancel := context.WithTimeout(ctx, n.cfg.HeartbeatInterval*3)
	defer cancel()

	n.mu.RLock()
	prevIdx, prevTerm, commitIdx := n.lastLogIndexLocked(), n.lastLogTermLocked(), n.commitIndex
	n.mu.RUnlock()

	outcome, err := col.CollectUntil(ctx, n.id, peers, func(ctx context.Context, peer string) collector.Response {
		resp, callErr := n.network.SendAppendEntries(ctx, peer, &AppendEntriesRequest{
			Term: term, LeaderID: n.id, PrevLogIndex: prevIdx, PrevLogTerm: prevTerm, LeaderCommit: commitIdx,
		})
		if callErr != nil {
			n.retry.Observe(callErr)
			return collector.Response{Ack: false, Err: callErr}
		}
		return collector.Response{Term: resp.Term, Ack: resp.Success}
	}, func(acked map[string]bool) bool {
		return config.HasMajority(acked)
	})
	if err != nil {
		return false
	}
	return outcome.Majority
}

// --- membership changes ---

// AddVoter adds nodeID to the cluster via joint consensus, returning once
// the joint configuration and the final configuration have both
// committed.
func (n *Node) AddVoter(ctx context.Context, nodeID string) error {
	return n.changeMembership(ctx, func(current []string) []string {
		return append(append([]string(nil), current...), nodeID)
	}, nodeID, true)
}

// RemoveVoter removes nodeID from the cluster via joint consensus. If
// nodeID is the current leader, the leader continues serving replication
// through the joint transition and steps down to follower only once the
// final configuration commits without it as a voter.
func (n *Node) RemoveVoter(ctx context.Context, nodeID string) error {
	return n.changeMembership(ctx, func(current []string) []string {
		out := make([]string, 0, len(current))
		for _, id := range current {
			if id != nodeID {
				out = append(out, id)
			}
		}
		return out
	}, nodeID, false)
}

func (n *Node) changeMembership(ctx context.Context, transform func([]string) []string, nodeID string, adding bool) error {
	n.mu.Lock()
	if n.role != Leader {
		leader := n.leaderID
		n.mu.Unlock()
		return &NotLeaderError{KnownLeader: leader}
	}
	if n.configChangeInFlight {
		n.mu.Unlock()
		return ErrMembershipChangePending
	}
	n.configChangeInFlight = true
	newSet := transform(n.configuration.New)
	joint := n.configuration.EnterJoint(newSet)
	n.configuration = joint
	if adding {
		n.nextIndex[nodeID] = n.lastLogIndexLocked() + 1
		n.matchIndex[nodeID] = 0
	}
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		n.configChangeInFlight = false
		n.mu.Unlock()
	}()

	if err := n.submitConfigEntry(ctx, joint); err != nil {
		return err
	}

	n.mu.Lock()
	final := n.configuration.LeaveJoint()
	n.configuration = final
	n.mu.Unlock()

	return n.submitConfigEntry(ctx, final)
}

func (n *Node) submitConfigEntry(ctx context.Context, config cluster.Configuration) error {
	n.mu.Lock()
	if n.role != Leader {
		leader := n.leaderID
		n.mu.Unlock()
		return &NotLeaderError{KnownLeader: leader}
	}
	entry := LogEntry{Index: n.lastLogIndexLocked() + 1, Term: n.currentTerm, Kind: EntryConfig, Config: config}
	if err := n.appendEntryLocked(entry); err != nil {
		n.mu.Unlock()
		return err
	}
	term := n.currentTerm
	n.mu.Unlock()

	_, err := n.awaitCommit(ctx, entry.Index, term)
	return err
}

// --- apply loop ---

func (n *Node) applyLoop() {
	for {
		select {
		case <-n.stopCh:
			return
		default:
		}

		if n.haltedErr() != nil {
			return
		}

		n.mu.RLock()
		commitIdx, appliedIdx := n.commitIndex, n.lastApplied
		n.mu.RUnlock()

		if appliedIdx >= commitIdx {
			time.Sleep(5 * time.Millisecond)
			continue
		}

		for idx := appliedIdx + 1; idx <= commitIdx; idx++ {
			if err := n.applyIndex(idx); err != nil {
				n.logger.Errorf("node %s halting apply loop at index %d: %v", n.id, idx, err)
				n.mu.Lock()
				n.haltLocked(err)
				n.mu.Unlock()
				return
			}
		}
	}
}

// applyIndex applies the entry at idx to the state machine exactly once
// and resolves any client operation waiting on it. A non-nil return halts
// the apply loop (P5/P10): no index beyond idx is ever applied once one
// fails.
func (n *Node) applyIndex(idx uint64) error {
	n.mu.RLock()
	arrIdx := n.arrayIndexLocked(idx)
	if arrIdx < 0 || arrIdx >= len(n.log) {
		n.mu.RUnlock()
		return nil
	}
	entry := n.log[arrIdx]
	n.mu.RUnlock()

	return n.waiter.NotifyCommittedAndApplied(idx, func(uint64) ([]byte, error) {
		var result []byte
		var err error
		switch entry.Kind {
		case EntryNormal:
			result, err = n.sm.Apply(entry.Command, idx)
		case EntryConfig, EntryNoop:
			// Nothing for the state machine to do; the configuration was
			// already adopted at append time.
		}

		n.mu.Lock()
		if err == nil {
			n.lastApplied = idx
		}
		stepDown := entry.Kind == EntryConfig && !entry.Config.Joint && !entry.Config.Contains(n.id) && n.role == Leader
		n.mu.Unlock()

		if stepDown {
			n.mu.Lock()
			n.stepDownNotMemberLocked()
			n.mu.Unlock()
		}

		if err != nil {
			return nil, &ApplicationError{Index: idx, Cause: err}
		}
		return result, nil
	})
}

func (n *Node) timeoutSweepLoop() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopCh:
			return
		case now := <-ticker.C:
			n.waiter.CancelTimedOutOperations(now, func(index uint64) error {
				return &CommitTimeoutError{Index: index, Duration: n.cfg.CommandTimeout}
			})
		}
	}
}

// --- snapshotting ---

func (n *Node) maybeSnapshot() {
	n.mu.RLock()
	appliedIdx := n.lastApplied
	threshold := n.cfg.SnapshotThreshold
	logLen := uint64(len(n.log))
	n.mu.RUnlock()

	if threshold == 0 || logLen < threshold {
		return
	}
	_ = n.CreateSnapshot(appliedIdx)
}

// CreateSnapshot compacts the log up to (and including) index, replacing
// the compacted entries with the state machine's current serialized
// state.
func (n *Node) CreateSnapshot(index uint64) error {
	n.mu.Lock()
	arrIdx := n.arrayIndexLocked(index)
	if arrIdx <= 0 || arrIdx >= len(n.log) {
		n.mu.Unlock()
		return nil
	}
	term := n.log[arrIdx].Term
	config := n.configuration
	n.mu.Unlock()

	stateBytes, err := n.sm.GetState()
	if err != nil {
		return fmt.Errorf("raft: snapshotting state machine: %w", err)
	}

	snap := &Snapshot{LastIncludedIndex: index, LastIncludedTerm: term, Configuration: config, StateMachineBytes: stateBytes}
	if err := n.persistence.SaveSnapshot(snap); err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotFailed, err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	arrIdx = n.arrayIndexLocked(index)
	if arrIdx > 0 && arrIdx < len(n.log) {
		n.log = n.log[arrIdx:]
	}
	n.log[0] = LogEntry{Index: index, Term: term, Kind: EntryNoop}
	n.snapshot = snap
	n.logger.Infof("node %s created snapshot at index %d", n.id, index)
	return nil
}

// --- role transitions (caller must hold n.mu) ---

func (n *Node) becomeFollowerLocked(term uint64) error {
	n.logger.Infof("node %s becoming follower for term %d", n.id, term)
	oldTerm := n.currentTerm
	n.role = Follower
	n.currentTerm = term
	n.votedFor = ""
	err := n.persistTermAndVote()
	n.waiter.CancelAllLeadershipLost(&LeadershipLostError{OldTerm: oldTerm, NewTerm: term})
	return err
}

// stepDownNotMemberLocked is the leader-self-removal path: the leader
// keeps serving replication through the joint transition and steps down
// only once it observes the finalized configuration committed without
// its own id as a voter (not at append time, not at joint-entry commit).
func (n *Node) stepDownNotMemberLocked() {
	n.logger.Infof("node %s stepping down, no longer a voting member", n.id)
	n.role = Follower
	n.leaderID = ""
	n.waiter.CancelAllLeadershipLost(&LeadershipLostError{OldTerm: n.currentTerm, NewTerm: n.currentTerm})
}

func (n *Node) becomeCandidate() {
	n.logger.Infof("node %s becoming candidate", n.id)
	n.role = Candidate
}

// becomeLeaderLocked transitions to leader and immediately appends a
// no-op entry: submit_command and read_state traffic must wait for this
// entry to commit before being served, so the leader never answers from
// a prior term's (possibly stale) commit index.
func (n *Node) becomeLeaderLocked() {
	n.logger.Infof("node %s becoming leader for term %d", n.id, n.currentTerm)
	n.role = Leader
	n.leaderID = n.id

	lastIdx := n.lastLogIndexLocked()
	for _, peer := range votingPeersExcludingSelf(n.configuration, n.id) {
		n.nextIndex[peer] = lastIdx + 1
		n.matchIndex[peer] = 0
	}

	n.appendEntryLocked(LogEntry{Index: lastIdx + 1, Term: n.currentTerm, Kind: EntryNoop})
}

// --- log helpers (caller must hold at least a read lock unless noted) ---

// appendEntryLocked appends entry to the in-memory log and durably
// persists it before returning. A persistence failure halts the node
// (spec: persistence errors are fatal) and is returned so the RPC or
// client call in progress fails instead of reporting success over an
// entry that never made it to disk.
func (n *Node) appendEntryLocked(entry LogEntry) error {
	n.log = append(n.log, entry)
	if err := n.persistence.AppendLogEntry(entry); err != nil {
		halted := &NodeHaltedError{Cause: err}
		n.haltLocked(halted)
		return halted
	}
	// A leader's own durable copy counts toward the quorum; in a
	// single-voter configuration it is the whole quorum, and no peer
	// reply will arrive to trigger the commit check.
	n.tryAdvanceCommitIndexLocked()
	return nil
}

func (n *Node) truncateSuffixLocked(fromIndex uint64) error {
	idx := n.arrayIndexLocked(fromIndex)
	if idx >= 0 && idx < len(n.log) {
		n.log = n.log[:idx]
	}
	if err := n.persistence.TruncateLogSuffix(fromIndex); err != nil {
		halted := &NodeHaltedError{Cause: err}
		n.haltLocked(halted)
		return halted
	}
	return nil
}

func (n *Node) arrayIndexLocked(logIndex uint64) int {
	if len(n.log) == 0 {
		return -1
	}
	base := n.log[0].Index
	if logIndex < base {
		return -1
	}
	return int(logIndex - base)
}

func (n *Node) lastLogIndexLocked() uint64 {
	if len(n.log) == 0 {
		if n.snapshot != nil {
			return n.snapshot.LastIncludedIndex
		}
		return 0
	}
	return n.log[len(n.log)-1].Index
}

func (n *Node) lastLogTermLocked() uint64 {
	if len(n.log) == 0 {
		if n.snapshot != nil {
			return n.snapshot.LastIncludedTerm
		}
		return 0
	}
	return n.log[len(n.log)-1].Term
}

func (n *Node) termAtLocked(index uint64) uint64 {
	if n.snapshot != nil && index == n.snapshot.LastIncludedIndex {
		return n.snapshot.LastIncludedTerm
	}
	idx := n.arrayIndexLocked(index)
	if idx < 0 || idx >= len(n.log) {
		return 0
	}
	return n.log[idx].Term
}

func (n *Node) entriesFromLocked(fromIndex uint64) []LogEntry {
	idx := n.arrayIndexLocked(fromIndex)
	if idx < 0 || idx >= len(n.log) {
		return nil
	}
	out := make([]LogEntry, len(n.log)-idx)
	copy(out, n.log[idx:])
	return out
}

func (n *Node) isLogUpToDateLocked(lastLogIndex, lastLogTerm uint64) bool {
	myTerm, myIdx := n.lastLogTermLocked(), n.lastLogIndexLocked()
	if lastLogTerm != myTerm {
		return lastLogTerm > myTerm
	}
	return lastLogIndex >= myIdx
}

func (n *Node) randomElectionTimeout() time.Duration {
	lo, hi := int64(n.cfg.ElectionTimeoutMin), int64(n.cfg.ElectionTimeoutMax)
	if hi <= lo {
		return n.cfg.ElectionTimeoutMin
	}
	return time.Duration(lo + rand.Int63n(hi-lo))
}

func (n *Node) resetElectionDeadline() {
	n.electionMu.Lock()
	defer n.electionMu.Unlock()
	n.electionDeadline = time.Now().Add(n.randomElectionTimeout())
}

// persistTermAndVote durably saves currentTerm and votedFor before the
// caller is allowed to act on them (grant a vote, start an election).
// Either save failing halts the node and is returned to the caller.
func (n *Node) persistTermAndVote() error {
	if err := n.persistence.SaveCurrentTerm(n.currentTerm); err != nil {
		halted := &NodeHaltedError{Cause: err}
		n.haltLocked(halted)
		return halted
	}
	if err := n.persistence.SaveVotedFor(n.votedFor); err != nil {
		halted := &NodeHaltedError{Cause: err}
		n.haltLocked(halted)
		return halted
	}
	return nil
}

func (n *Node) restore() error {
	snap, err := n.persistence.LoadSnapshot()
	if err != nil {
		return err
	}
	if snap != nil {
		n.snapshot = snap
		n.configuration = snap.Configuration
		n.commitIndex = snap.LastIncludedIndex
		n.lastApplied = snap.LastIncludedIndex
		n.log = []LogEntry{{Index: snap.LastIncludedIndex, Term: snap.LastIncludedTerm, Kind: EntryNoop}}
		if err := n.sm.RestoreFromSnapshot(snap.StateMachineBytes, snap.LastIncludedIndex); err != nil {
			return err
		}
	}

	term, err := n.persistence.LoadCurrentTerm()
	if err != nil {
		return err
	}
	n.currentTerm = term

	votedFor, err := n.persistence.LoadVotedFor()
	if err != nil {
		return err
	}
	n.votedFor = votedFor

	lastIdx, err := n.persistence.LastLogIndex()
	if err != nil {
		return err
	}
	if lastIdx > n.lastLogIndexLocked() {
		base := n.lastLogIndexLocked() + 1
		entries, err := n.persistence.GetLogEntries(base, lastIdx)
		if err != nil {
			return err
		}
		n.log = append(n.log, entries...)
		for _, e := range entries {
			if e.Kind == EntryConfig {
				n.configuration = e.Config
			}
		}
	}

	return nil
}

// --- getters ---

func (n *Node) ID() string { return n.id }

func (n *Node) Role() Role {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.role
}

func (n *Node) CurrentTerm() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.currentTerm
}

func (n *Node) LeaderID() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.leaderID
}

func (n *Node) CommitIndex() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.commitIndex
}

func (n *Node) LastApplied() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.lastApplied
}

func (n *Node) Configuration() cluster.Configuration {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.configuration.Clone()
}
