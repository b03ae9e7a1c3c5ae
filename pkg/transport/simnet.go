// Package transport provides NetworkClient/NetworkServer implementations.
// SimNet is an in-process network simulator adapted from the teacher's
// pkg/rpc/transport.go LocalTransport and pkg/simulation/network.go:
// the same registry-of-nodes-plus-disabled-links shape, generalized to
// dispatch through raft.NetworkServer handlers instead of calling
// concrete *raft.Node methods directly, and extended with a drop rate
// (the teacher's simulator only modeled latency and hard partitions).
package transport

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/raftcore/raftkit/pkg/raft"
	"github.com/raftcore/raftkit/pkg/retry"
)

// ErrNodeUnreachable is returned for a destination that is not
// registered. Partitioned links and simulated drops fail with
// retry.ErrConnectionRefused instead.
var ErrNodeUnreachable = errors.New("simnet: node unreachable")

type endpoint struct {
	requestVote     raft.RequestVoteHandler
	appendEntries   raft.AppendEntriesHandler
	installSnapshot raft.InstallSnapshotHandler
}

// SimNet is a shared in-process network fabric: every node registers a
// Client bound to its own id and a Server to dispatch incoming RPCs.
type SimNet struct {
	mu       sync.RWMutex
	nodes    map[string]*endpoint
	disabled map[string]map[string]bool
	latency  time.Duration
	dropRate float64
}

// New returns an empty SimNet.
func New() *SimNet {
	return &SimNet{
		nodes:    make(map[string]*endpoint),
		disabled: make(map[string]map[string]bool),
	}
}

// SetLatency applies a fixed artificial delay to every RPC.
func (s *SimNet) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// SetDropRate makes a fraction (0..1) of RPCs fail as if the peer were
// unreachable, independent of partition state.
func (s *SimNet) SetDropRate(rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropRate = rate
}

// Partition isolates nodeID from every other registered node, in both
// directions.
func (s *SimNet) Partition(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.nodes {
		if id == nodeID {
			continue
		}
		s.disableLocked(nodeID, id)
		s.disableLocked(id, nodeID)
	}
}

// Heal restores every connection to and from nodeID.
func (s *SimNet) Heal(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabled[nodeID] = make(map[string]bool)
	for id := range s.disabled {
		delete(s.disabled[id], nodeID)
	}
}

// Disconnect cuts the one-directional link from -> to.
func (s *SimNet) Disconnect(from, to string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disableLocked(from, to)
}

func (s *SimNet) disableLocked(from, to string) {
	if s.disabled[from] == nil {
		s.disabled[from] = make(map[string]bool)
	}
	s.disabled[from][to] = true
}

func (s *SimNet) connected(from, to string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.disabled[from][to] {
		return false
	}
	if s.dropRate > 0 && rand.Float64() < s.dropRate {
		return false
	}
	return true
}

func (s *SimNet) delay() {
	s.mu.RLock()
	d := s.latency
	s.mu.RUnlock()
	if d > 0 {
		time.Sleep(d)
	}
}

// Client is a raft.NetworkClient bound to one node id within a SimNet.
type Client struct {
	net  *SimNet
	self string
}

// NewClient returns a NetworkClient for selfID, dispatching through net.
func NewClient(net *SimNet, selfID string) *Client {
	return &Client{net: net, self: selfID}
}

func (c *Client) endpoint(target string) (*endpoint, error) {
	if !c.net.connected(c.self, target) {
		return nil, retry.ErrConnectionRefused
	}
	c.net.mu.RLock()
	ep, ok := c.net.nodes[target]
	c.net.mu.RUnlock()
	if !ok {
		return nil, ErrNodeUnreachable
	}
	return ep, nil
}

func (c *Client) SendRequestVote(ctx context.Context, target string, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
	ep, err := c.endpoint(target)
	if err != nil {
		return nil, err
	}
	c.net.delay()
	return ep.requestVote(ctx, req)
}

func (c *Client) SendAppendEntries(ctx context.Context, target string, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	ep, err := c.endpoint(target)
	if err != nil {
		return nil, err
	}
	c.net.delay()
	return ep.appendEntries(ctx, req)
}

func (c *Client) SendInstallSnapshot(ctx context.Context, target string, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error) {
	ep, err := c.endpoint(target)
	if err != nil {
		return nil, err
	}
	c.net.delay()
	return ep.installSnapshot(ctx, req)
}

// Server is a raft.NetworkServer that registers id's handlers into the
// shared SimNet instead of binding a real listener.
type Server struct {
	net *SimNet
	id  string
	ep  endpoint
}

// NewServer returns a NetworkServer for id within net.
func NewServer(net *SimNet, id string) *Server {
	return &Server{net: net, id: id}
}

func (s *Server) RegisterRequestVoteHandler(h raft.RequestVoteHandler)         { s.ep.requestVote = h }
func (s *Server) RegisterAppendEntriesHandler(h raft.AppendEntriesHandler)     { s.ep.appendEntries = h }
func (s *Server) RegisterInstallSnapshotHandler(h raft.InstallSnapshotHandler) { s.ep.installSnapshot = h }

func (s *Server) Start() error {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	epCopy := s.ep
	s.net.nodes[s.id] = &epCopy
	if s.net.disabled[s.id] == nil {
		s.net.disabled[s.id] = make(map[string]bool)
	}
	return nil
}

func (s *Server) Stop() error {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	delete(s.net.nodes, s.id)
	return nil
}
