// Package transport also provides GRPCServer/GRPCClient, the production
// raft.NetworkServer/NetworkClient pair. Grounded on the teacher's
// pkg/grpc/transport.go (dial-and-cache-connections client shape,
// listener/grpc.Server lifecycle) and pkg/rpc/server.go (handler
// registration style). Unlike the teacher, no generated proto package
// exists anywhere in the retrieved pack, so the wire messages are the
// same raft.*Request/*Response structs pkg/wire already encodes, carried
// over a hand-authored grpc.ServiceDesc and a gob-based grpc.Codec
// (registered once via encoding.RegisterCodec) instead of protobuf.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/raftcore/raftkit/pkg/cluster"
	"github.com/raftcore/raftkit/pkg/raft"
	"github.com/raftcore/raftkit/pkg/retry"
	"github.com/raftcore/raftkit/pkg/wire"
)

const gobCodecName = "gob"

// gobCodec adapts pkg/wire's gob round-trip to grpc's encoding.Codec so
// RPCs travel over real google.golang.org/grpc connections without any
// generated protobuf types.
type gobCodec struct{}

func (gobCodec) Name() string { return gobCodecName }

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	switch msg := v.(type) {
	case *raft.RequestVoteRequest:
		return wire.EncodeRequestVoteRequest(msg)
	case *raft.RequestVoteResponse:
		return wire.EncodeRequestVoteResponse(msg)
	case *raft.AppendEntriesRequest:
		return wire.EncodeAppendEntriesRequest(msg)
	case *raft.AppendEntriesResponse:
		return wire.EncodeAppendEntriesResponse(msg)
	case *raft.InstallSnapshotRequest:
		return wire.EncodeInstallSnapshotRequest(msg)
	case *raft.InstallSnapshotResponse:
		return wire.EncodeInstallSnapshotResponse(msg)
	default:
		return nil, fmt.Errorf("transport: gobCodec cannot marshal %T", v)
	}
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	switch msg := v.(type) {
	case *raft.RequestVoteRequest:
		decoded, err := wire.DecodeRequestVoteRequest(data)
		if err == nil {
			*msg = *decoded
		}
		return err
	case *raft.RequestVoteResponse:
		decoded, err := wire.DecodeRequestVoteResponse(data)
		if err == nil {
			*msg = *decoded
		}
		return err
	case *raft.AppendEntriesRequest:
		decoded, err := wire.DecodeAppendEntriesRequest(data)
		if err == nil {
			*msg = *decoded
		}
		return err
	case *raft.AppendEntriesResponse:
		decoded, err := wire.DecodeAppendEntriesResponse(data)
		if err == nil {
			*msg = *decoded
		}
		return err
	case *raft.InstallSnapshotRequest:
		decoded, err := wire.DecodeInstallSnapshotRequest(data)
		if err == nil {
			*msg = *decoded
		}
		return err
	case *raft.InstallSnapshotResponse:
		decoded, err := wire.DecodeInstallSnapshotResponse(data)
		if err == nil {
			*msg = *decoded
		}
		return err
	default:
		return fmt.Errorf("transport: gobCodec cannot unmarshal into %T", v)
	}
}

func init() {
	encoding.RegisterCodec(gobCodec{})
}

const (
	serviceName          = "raftkit.Raft"
	methodRequestVote     = "RequestVote"
	methodAppendEntries   = "AppendEntries"
	methodInstallSnapshot = "InstallSnapshot"
)

func fullMethod(name string) string { return "/" + serviceName + "/" + name }

// GRPCServer is a raft.NetworkServer hosting the three RPC kinds over a
// real *grpc.Server, dispatching to handlers registered by a raft.Node.
type GRPCServer struct {
	addr   string
	server *grpc.Server
	listener net.Listener

	mu              sync.RWMutex
	requestVote     raft.RequestVoteHandler
	appendEntries   raft.AppendEntriesHandler
	installSnapshot raft.InstallSnapshotHandler
}

// NewGRPCServer returns a GRPCServer that will listen on addr once Start
// is called.
func NewGRPCServer(addr string) *GRPCServer {
	return &GRPCServer{addr: addr}
}

func (s *GRPCServer) RegisterRequestVoteHandler(h raft.RequestVoteHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestVote = h
}

func (s *GRPCServer) RegisterAppendEntriesHandler(h raft.AppendEntriesHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendEntries = h
}

func (s *GRPCServer) RegisterInstallSnapshotHandler(h raft.InstallSnapshotHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.installSnapshot = h
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*GRPCServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodRequestVote, Handler: requestVoteHandler},
		{MethodName: methodAppendEntries, Handler: appendEntriesHandler},
		{MethodName: methodInstallSnapshot, Handler: installSnapshotHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func requestVoteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(raft.RequestVoteRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	s := srv.(*GRPCServer)
	if interceptor == nil {
		return s.dispatchRequestVote(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(methodRequestVote)}
	handler := func(ctx context.Context, in interface{}) (interface{}, error) {
		return s.dispatchRequestVote(ctx, in.(*raft.RequestVoteRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func appendEntriesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(raft.AppendEntriesRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	s := srv.(*GRPCServer)
	if interceptor == nil {
		return s.dispatchAppendEntries(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(methodAppendEntries)}
	handler := func(ctx context.Context, in interface{}) (interface{}, error) {
		return s.dispatchAppendEntries(ctx, in.(*raft.AppendEntriesRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func installSnapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(raft.InstallSnapshotRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	s := srv.(*GRPCServer)
	if interceptor == nil {
		return s.dispatchInstallSnapshot(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(methodInstallSnapshot)}
	handler := func(ctx context.Context, in interface{}) (interface{}, error) {
		return s.dispatchInstallSnapshot(ctx, in.(*raft.InstallSnapshotRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func (s *GRPCServer) dispatchRequestVote(ctx context.Context, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
	s.mu.RLock()
	h := s.requestVote
	s.mu.RUnlock()
	if h == nil {
		return nil, status.Error(codes.Unavailable, "transport: no RequestVote handler registered")
	}
	return h(ctx, req)
}

func (s *GRPCServer) dispatchAppendEntries(ctx context.Context, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	s.mu.RLock()
	h := s.appendEntries
	s.mu.RUnlock()
	if h == nil {
		return nil, status.Error(codes.Unavailable, "transport: no AppendEntries handler registered")
	}
	return h(ctx, req)
}

func (s *GRPCServer) dispatchInstallSnapshot(ctx context.Context, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error) {
	s.mu.RLock()
	h := s.installSnapshot
	s.mu.RUnlock()
	if h == nil {
		return nil, status.Error(codes.Unavailable, "transport: no InstallSnapshot handler registered")
	}
	return h(ctx, req)
}

// Start binds the listener and begins serving in a background goroutine.
func (s *GRPCServer) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("transport: listen on %s: %w", s.addr, err)
	}
	s.listener = lis
	s.server = grpc.NewServer()
	s.server.RegisterService(&serviceDesc, s)

	go func() {
		_ = s.server.Serve(lis)
	}()
	return nil
}

// Stop gracefully drains in-flight RPCs and closes the listener.
func (s *GRPCServer) Stop() error {
	if s.server != nil {
		s.server.GracefulStop()
	}
	return nil
}

// GRPCClient is a raft.NetworkClient dialing peers lazily and caching
// connections, the way the teacher's pkg/grpc/transport.go client did.
// Addresses are resolved through a cluster.Manager roster rather than a
// fixed map, so a peer added to the cluster at runtime (raft.Node.AddVoter)
// becomes dialable the moment it is registered in the same Manager,
// without rebuilding the client.
type GRPCClient struct {
	mu          sync.RWMutex
	members     *cluster.Manager
	conns       map[string]*grpc.ClientConn
	dialTimeout time.Duration
}

// NewGRPCClient returns a client resolving peer ids against members.
func NewGRPCClient(members *cluster.Manager) *GRPCClient {
	return &GRPCClient{
		members:     members,
		conns:       make(map[string]*grpc.ClientConn),
		dialTimeout: 2 * time.Second,
	}
}

func (c *GRPCClient) connFor(target string) (*grpc.ClientConn, error) {
	c.mu.RLock()
	if conn, ok := c.conns[target]; ok {
		c.mu.RUnlock()
		return conn, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[target]; ok {
		return conn, nil
	}

	member, ok := c.members.GetMember(target)
	if !ok || member.Address == "" {
		return nil, fmt.Errorf("%w: %s", retry.ErrConnectionRefused, target)
	}
	addr := member.Address

	ctx, cancel := context.WithTimeout(context.Background(), c.dialTimeout)
	defer cancel()

	conn, err := grpc.DialContext(ctx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(gobCodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", retry.ErrConnectionFailure, addr, err)
	}
	c.conns[target] = conn
	return conn, nil
}

func classifyInvokeErr(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unavailable:
		return fmt.Errorf("%w: %v", retry.ErrNetworkUnreachable, err)
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %v", retry.ErrNetworkTimeout, err)
	case codes.Canceled:
		return fmt.Errorf("%w: %v", retry.ErrConnectionFailure, err)
	case codes.InvalidArgument, codes.Unimplemented:
		return fmt.Errorf("%w: %v", retry.ErrProtocolError, err)
	default:
		return fmt.Errorf("%w: %v", retry.ErrTemporaryFailure, err)
	}
}

func (c *GRPCClient) SendRequestVote(ctx context.Context, target string, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
	conn, err := c.connFor(target)
	if err != nil {
		return nil, err
	}
	resp := new(raft.RequestVoteResponse)
	if err := conn.Invoke(ctx, fullMethod(methodRequestVote), req, resp); err != nil {
		return nil, classifyInvokeErr(err)
	}
	return resp, nil
}

func (c *GRPCClient) SendAppendEntries(ctx context.Context, target string, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	conn, err := c.connFor(target)
	if err != nil {
		return nil, err
	}
	resp := new(raft.AppendEntriesResponse)
	if err := conn.Invoke(ctx, fullMethod(methodAppendEntries), req, resp); err != nil {
		return nil, classifyInvokeErr(err)
	}
	return resp, nil
}

func (c *GRPCClient) SendInstallSnapshot(ctx context.Context, target string, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error) {
	conn, err := c.connFor(target)
	if err != nil {
		return nil, err
	}
	resp := new(raft.InstallSnapshotResponse)
	if err := conn.Invoke(ctx, fullMethod(methodInstallSnapshot), req, resp); err != nil {
		return nil, classifyInvokeErr(err)
	}
	return resp, nil
}

// Close tears down every cached connection.
func (c *GRPCClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conn := range c.conns {
		_ = conn.Close()
	}
	c.conns = make(map[string]*grpc.ClientConn)
	return nil
}
