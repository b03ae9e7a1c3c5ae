// Package httpapi is a thin client-facing REST surface over a raft.Node
// and a statemachine.Store. Adapted from the teacher's pkg/api/http.go:
// same /kv/{key} + /status routes and not-leader redirect-advisory
// response shape, reworked for the new Node.SubmitCommand/ReadState
// signatures (futures replaced with blocking calls bounded by request
// context) and statemachine.Command's gob encoding instead of the
// teacher's raft.Command. This is explicitly outside the core library's
// scope (spec.md §1); it exists only so cmd/raftd has something to serve.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/raftcore/raftkit/pkg/raft"
	"github.com/raftcore/raftkit/pkg/statemachine"
)

// Handler serves a minimal key-value API backed by a raft.Node and the
// statemachine.Store it replicates commands into.
type Handler struct {
	node  *raft.Node
	store *statemachine.Store
	mux   *http.ServeMux

	requestTimeout time.Duration
}

// New returns a Handler routing /kv/{key} and /status.
func New(node *raft.Node, store *statemachine.Store) *Handler {
	h := &Handler{node: node, store: store, mux: http.NewServeMux(), requestTimeout: 5 * time.Second}
	h.mux.HandleFunc("/kv/", h.handleKV)
	h.mux.HandleFunc("/status", h.handleStatus)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) { h.mux.ServeHTTP(w, r) }

func (h *Handler) handleKV(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/kv/")
	if key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.handleGet(w, r, key)
	case http.MethodPut, http.MethodPost:
		h.handlePut(w, r, key)
	case http.MethodDelete:
		h.handleDelete(w, r, key)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, key string) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	if _, err := h.node.ReadState(ctx); err != nil {
		h.respondErr(w, err)
		return
	}

	value, ok := h.store.Get(key)
	if !ok {
		http.Error(w, "key not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"value": string(value)})
}

func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request, key string) {
	var req struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	cmd, err := statemachine.EncodeCommand(statemachine.Command{
		Kind:  statemachine.CommandSet,
		Key:   key,
		Value: []byte(req.Value),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.submitAndRespond(w, r, cmd)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, key string) {
	cmd, err := statemachine.EncodeCommand(statemachine.Command{Kind: statemachine.CommandDelete, Key: key})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.submitAndRespond(w, r, cmd)
}

func (h *Handler) submitAndRespond(w http.ResponseWriter, r *http.Request, cmd []byte) {
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	result, err := h.node.SubmitCommand(ctx, cmd)
	if err != nil {
		h.respondErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"index":  result.Index,
		"result": string(result.Value),
	})
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	var notLeader *raft.NotLeaderError
	switch {
	case asNotLeader(err, &notLeader):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":     "not leader",
			"leader_id": notLeader.KnownLeader,
		})
	case err == context.DeadlineExceeded:
		http.Error(w, "request timeout", http.StatusGatewayTimeout)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func asNotLeader(err error, target **raft.NotLeaderError) bool {
	if nl, ok := err.(*raft.NotLeaderError); ok {
		*target = nl
		return true
	}
	return false
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"id":           h.node.ID(),
		"role":         h.node.Role().String(),
		"term":         h.node.CurrentTerm(),
		"leader_id":    h.node.LeaderID(),
		"commit_index": h.node.CommitIndex(),
		"last_applied": h.node.LastApplied(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}
