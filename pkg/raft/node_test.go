package raft_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/raftcore/raftkit/pkg/raft"
	"github.com/raftcore/raftkit/pkg/statemachine"
	"github.com/raftcore/raftkit/pkg/storage"
	"github.com/raftcore/raftkit/pkg/transport"
)

// testCluster wires N nodes against a shared SimNet, adapted from the
// teacher's pkg/testing.TestCluster but built against the node-agnostic
// PersistenceEngine/StateMachine/NetworkClient interfaces instead of
// concrete WAL/kv/LocalTransport types.
type testCluster struct {
	nodes   []*raft.Node
	stores  []*statemachine.Store
	net     *transport.SimNet
	nodeIDs []string
}

func newTestCluster(t *testing.T, size int) *testCluster {
	t.Helper()

	net := transport.New()
	nodeIDs := make([]string, size)
	for i := range nodeIDs {
		nodeIDs[i] = fmt.Sprintf("node-%d", i)
	}

	c := &testCluster{net: net, nodeIDs: nodeIDs}
	for i := 0; i < size; i++ {
		var peers []string
		for j, id := range nodeIDs {
			if j != i {
				peers = append(peers, id)
			}
		}

		cfg := raft.DefaultConfig(nodeIDs[i], peers)
		cfg.ElectionTimeoutMin = 150 * time.Millisecond
		cfg.ElectionTimeoutMax = 300 * time.Millisecond
		cfg.HeartbeatInterval = 30 * time.Millisecond
		cfg.SnapshotThreshold = 0

		store := statemachine.New()
		node, err := raft.NewNode(cfg, storage.NewMemoryStore(), store, transport.NewClient(net, nodeIDs[i]), nil, nil)
		require.NoError(t, err)

		server := transport.NewServer(net, nodeIDs[i])
		server.RegisterRequestVoteHandler(node.HandleRequestVote)
		server.RegisterAppendEntriesHandler(node.HandleAppendEntries)
		server.RegisterInstallSnapshotHandler(node.HandleInstallSnapshot)
		require.NoError(t, server.Start())

		c.nodes = append(c.nodes, node)
		c.stores = append(c.stores, store)
	}

	return c
}

func (c *testCluster) start() {
	for _, n := range c.nodes {
		n.Start()
	}
}

func (c *testCluster) stop() {
	for _, n := range c.nodes {
		n.Stop()
	}
}

func (c *testCluster) awaitLeader(t *testing.T, timeout time.Duration) *raft.Node {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, n := range c.nodes {
			if n.Role() == raft.Leader {
				return n
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no leader elected within timeout")
	return nil
}

func TestElectsASingleLeader(t *testing.T) {
	c := newTestCluster(t, 3)
	c.start()
	defer c.stop()

	leader := c.awaitLeader(t, 2*time.Second)
	require.NotEmpty(t, leader.ID())

	leaderCount := 0
	for _, n := range c.nodes {
		if n.Role() == raft.Leader {
			leaderCount++
		}
	}
	require.Equal(t, 1, leaderCount)
}

func TestSubmitCommandReplicatesAndApplies(t *testing.T) {
	c := newTestCluster(t, 3)
	c.start()
	defer c.stop()

	leader := c.awaitLeader(t, 2*time.Second)

	var leaderStore *statemachine.Store
	for i, n := range c.nodes {
		if n == leader {
			leaderStore = c.stores[i]
		}
	}

	cmd, err := statemachine.EncodeCommand(statemachine.Command{Kind: statemachine.CommandSet, Key: "x", Value: []byte("1"), ClientID: "c1", RequestID: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := leader.SubmitCommand(ctx, cmd)
	require.NoError(t, err)
	require.Equal(t, []byte("OK"), result.Value)

	require.Eventually(t, func() bool {
		v, ok := leaderStore.Get("x")
		return ok && string(v) == "1"
	}, time.Second, 10*time.Millisecond)
}

func TestNonLeaderRejectsSubmitCommand(t *testing.T) {
	c := newTestCluster(t, 3)
	c.start()
	defer c.stop()

	leader := c.awaitLeader(t, 2*time.Second)

	for _, n := range c.nodes {
		if n == leader {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		_, err := n.SubmitCommand(ctx, []byte("noop"))
		cancel()
		require.Error(t, err)
		var notLeader *raft.NotLeaderError
		require.ErrorAs(t, err, &notLeader)
	}
}

func TestReadStateReturnsConfirmedIndex(t *testing.T) {
	c := newTestCluster(t, 3)
	c.start()
	defer c.stop()

	leader := c.awaitLeader(t, 2*time.Second)

	cmd, _ := statemachine.EncodeCommand(statemachine.Command{Kind: statemachine.CommandSet, Key: "a", Value: []byte("v"), ClientID: "c1", RequestID: 1})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := leader.SubmitCommand(ctx, cmd)
	require.NoError(t, err)

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	idx, err := leader.ReadState(ctx2)
	require.NoError(t, err)
	require.GreaterOrEqual(t, idx, uint64(1))
	require.GreaterOrEqual(t, leader.LastApplied(), idx)
}

func TestPartitionedLeaderFailsPendingCommand(t *testing.T) {
	c := newTestCluster(t, 3)
	c.start()
	defer c.stop()

	leader := c.awaitLeader(t, 2*time.Second)
	c.net.Partition(leader.ID())

	cmd, _ := statemachine.EncodeCommand(statemachine.Command{Kind: statemachine.CommandSet, Key: "a", Value: []byte("v"), ClientID: "c1", RequestID: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := leader.SubmitCommand(ctx, cmd)
	require.Error(t, err)
}

func TestAddVoterJoinsClusterViaJointConsensus(t *testing.T) {
	c := newTestCluster(t, 3)
	c.start()
	defer c.stop()

	leader := c.awaitLeader(t, 2*time.Second)

	newID := "node-3"
	store := statemachine.New()
	cfg := raft.DefaultConfig(newID, c.nodeIDs)
	cfg.ElectionTimeoutMin, cfg.ElectionTimeoutMax = 150*time.Millisecond, 300*time.Millisecond
	cfg.HeartbeatInterval = 30 * time.Millisecond

	newNode, err := raft.NewNode(cfg, storage.NewMemoryStore(), store, transport.NewClient(c.net, newID), nil, nil)
	require.NoError(t, err)
	server := transport.NewServer(c.net, newID)
	server.RegisterRequestVoteHandler(newNode.HandleRequestVote)
	server.RegisterAppendEntriesHandler(newNode.HandleAppendEntries)
	server.RegisterInstallSnapshotHandler(newNode.HandleInstallSnapshot)
	require.NoError(t, server.Start())
	newNode.Start()
	defer newNode.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, leader.AddVoter(ctx, newID))

	require.True(t, leader.Configuration().Contains(newID))
}
