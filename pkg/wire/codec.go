// Package wire is the RpcSerializer: a bijective gob codec for the three
// RPC kinds. Grounded on the teacher's pkg/rpc/client.go, which already
// uses encoding/gob as its wire format; this package lifts that choice
// out into a standalone, independently testable codec satisfying P7
// (decode(encode(m)) == m for every field).
package wire

import (
	"bytes"
	"encoding/gob"

	"github.com/raftcore/raftkit/pkg/raft"
)

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func EncodeRequestVoteRequest(r *raft.RequestVoteRequest) ([]byte, error)  { return encode(r) }
func DecodeRequestVoteRequest(data []byte) (*raft.RequestVoteRequest, error) {
	var r raft.RequestVoteRequest
	if err := decode(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func EncodeRequestVoteResponse(r *raft.RequestVoteResponse) ([]byte, error) { return encode(r) }
func DecodeRequestVoteResponse(data []byte) (*raft.RequestVoteResponse, error) {
	var r raft.RequestVoteResponse
	if err := decode(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func EncodeAppendEntriesRequest(r *raft.AppendEntriesRequest) ([]byte, error) { return encode(r) }
func DecodeAppendEntriesRequest(data []byte) (*raft.AppendEntriesRequest, error) {
	var r raft.AppendEntriesRequest
	if err := decode(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func EncodeAppendEntriesResponse(r *raft.AppendEntriesResponse) ([]byte, error) { return encode(r) }
func DecodeAppendEntriesResponse(data []byte) (*raft.AppendEntriesResponse, error) {
	var r raft.AppendEntriesResponse
	if err := decode(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func EncodeInstallSnapshotRequest(r *raft.InstallSnapshotRequest) ([]byte, error) { return encode(r) }
func DecodeInstallSnapshotRequest(data []byte) (*raft.InstallSnapshotRequest, error) {
	var r raft.InstallSnapshotRequest
	if err := decode(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func EncodeInstallSnapshotResponse(r *raft.InstallSnapshotResponse) ([]byte, error) { return encode(r) }
func DecodeInstallSnapshotResponse(data []byte) (*raft.InstallSnapshotResponse, error) {
	var r raft.InstallSnapshotResponse
	if err := decode(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
