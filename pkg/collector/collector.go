// Package collector implements the async majority-collection primitive
// the leader uses to aggregate responses for votes, heartbeats, and
// linearizable reads.
//
// Grounded on the teacher's inline vote-counting goroutines in
// runCandidate/startElection and the ack-counting goroutines in
// confirmLeadership/sendHeartbeats (pkg/raft/node.go), generalized into a
// standalone, cancellable primitive.
package collector

import (
	"context"
	"errors"
	"sync"
)

// ErrNoPeers is returned when there is nothing to collect from.
var ErrNoPeers = errors.New("collector: no peers to collect responses from")

// Response is one peer's answer to a fanned-out RPC.
type Response struct {
	PeerID string
	Term   uint64
	Ack    bool
	Err    error
}

// Call is invoked once per peer, concurrently.
type Call func(ctx context.Context, peer string) Response

// Satisfied reports whether the acked set observed so far (peer id ->
// true, seeded with the caller's own id when one is supplied) already
// forms a quorum. It is re-evaluated after every new acknowledgement, so
// it must be cheap and side-effect free.
type Satisfied func(acked map[string]bool) bool

// Outcome is what CollectMajority resolves with: every response received
// before the outcome was decided (successes and failures alike).
type Outcome struct {
	Responses []Response
	Majority  bool
}

// Collector runs a single majority-collection round. Needed is the number
// of acknowledgements required, INCLUDING the caller's own implicit vote
// (so for an n+1 node cluster, Needed is typically ⌈(n+1)/2⌉).
type Collector struct {
	Needed int
}

// New returns a Collector requiring `needed` acknowledgements (counting
// the caller's own implicit one) to declare a majority.
func New(needed int) *Collector {
	return &Collector{Needed: needed}
}

// CollectMajority fans call out to every peer concurrently and resolves
// as soon as a majority of acknowledgements (or the deadline carried by
// ctx, or ctx's cancellation) is reached. The returned Outcome always
// carries every response observed so far, including failures.
//
// CollectMajority is a thin wrapper over CollectUntil for the common
// single-count quorum rule; callers whose quorum depends on more than a
// raw count — e.g. joint-consensus double majority — use CollectUntil
// directly with a Configuration-derived Satisfied.
func (c *Collector) CollectMajority(ctx context.Context, peers []string, call Call) (*Outcome, error) {
	return c.CollectUntil(ctx, "", peers, call, func(acked map[string]bool) bool {
		return len(acked)+1 >= c.Needed // +1 for the caller's own implicit response
	})
}

// CollectUntil fans call out to every peer concurrently and resolves as
// soon as satisfied reports true for the accumulated acked set (seeded
// with selfID, when non-empty, before any peer has responded), or ctx is
// done, or every peer has replied. The returned Outcome always carries
// every response observed so far, including failures.
func (c *Collector) CollectUntil(ctx context.Context, selfID string, peers []string, call Call, satisfied Satisfied) (*Outcome, error) {
	if len(peers) == 0 {
		return nil, ErrNoPeers
	}

	var (
		mu        sync.Mutex
		responses = make([]Response, 0, len(peers))
		acked     = make(map[string]bool, len(peers)+1)
	)
	if selfID != "" {
		acked[selfID] = true
	}

	doneCh := make(chan struct{})
	var closeOnce sync.Once
	signalDone := func() { closeOnce.Do(func() { close(doneCh) }) }

	if satisfied(acked) {
		signalDone()
	}

	var wg sync.WaitGroup
	wg.Add(len(peers))
	for _, peer := range peers {
		go func(peer string) {
			defer wg.Done()
			resp := call(ctx, peer)
			resp.PeerID = peer

			mu.Lock()
			responses = append(responses, resp)
			if resp.Err == nil && resp.Ack {
				acked[peer] = true
				if satisfied(acked) {
					mu.Unlock()
					signalDone()
					return
				}
			}
			mu.Unlock()
		}(peer)
	}

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	select {
	case <-doneCh:
		return snapshot(&mu, &responses, true), nil
	case <-allDone:
		mu.Lock()
		ok := satisfied(acked)
		mu.Unlock()
		return snapshot(&mu, &responses, ok), nil
	case <-ctx.Done():
		return snapshot(&mu, &responses, false), ctx.Err()
	}
}

func snapshot(mu *sync.Mutex, responses *[]Response, majority bool) *Outcome {
	mu.Lock()
	defer mu.Unlock()
	out := make([]Response, len(*responses))
	copy(out, *responses)
	return &Outcome{Responses: out, Majority: majority}
}

// HigherTerm scans responses for one carrying a term strictly greater
// than currentTerm; used by the caller to decide on an immediate
// step-down, per the heartbeat-confirmed-read semantics (spec §4.3).
func HigherTerm(responses []Response, currentTerm uint64) (uint64, bool) {
	best := currentTerm
	found := false
	for _, r := range responses {
		if r.Err == nil && r.Term > best {
			best = r.Term
			found = true
		}
	}
	return best, found
}
