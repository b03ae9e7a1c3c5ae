// Package retry classifies transport errors and drives retries for RPCs
// with exponential backoff and jitter, entirely off the calling
// goroutine's critical path.
//
// The teacher has no equivalent of this component; it is grounded on
// original_source/tests/error_handler_async_retry_property_test.cpp,
// which fixes the retry_policy field set (initial_delay, max_delay,
// backoff_multiplier, jitter_factor, max_attempts) and requires that
// delays never block a worker thread.
package retry

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Category classifies a transport-layer failure.
type Category int

const (
	NetworkDelay Category = iota
	NetworkTimeout
	ConnectionFailure
	SerializationTimeout
	SerializationError
	ProtocolError
	TemporaryFailure
	NetworkUnreachable
	ConnectionRefused
	Unknown
)

func (c Category) String() string {
	switch c {
	case NetworkDelay:
		return "network_delay"
	case NetworkTimeout:
		return "network_timeout"
	case ConnectionFailure:
		return "connection_failure"
	case SerializationTimeout:
		return "serialization_timeout"
	case SerializationError:
		return "serialization_error"
	case ProtocolError:
		return "protocol_error"
	case TemporaryFailure:
		return "temporary_failure"
	case NetworkUnreachable:
		return "network_unreachable"
	case ConnectionRefused:
		return "connection_refused"
	default:
		return "unknown"
	}
}

// Retryable reports whether an error of this category should be retried.
// SerializationError and ProtocolError indicate a malformed message or a
// peer speaking a different protocol — retrying cannot help.
func (c Category) Retryable() bool {
	switch c {
	case SerializationError, ProtocolError:
		return false
	default:
		return true
	}
}

// Sentinel errors a NetworkClient implementation is expected to wrap its
// failures in, so Classify can recognize them via errors.Is.
var (
	ErrNetworkDelay         = errors.New("retry: network delay")
	ErrNetworkTimeout       = errors.New("retry: network timeout")
	ErrConnectionFailure    = errors.New("retry: connection failure")
	ErrSerializationTimeout = errors.New("retry: serialization timeout")
	ErrSerializationError   = errors.New("retry: serialization error")
	ErrProtocolError        = errors.New("retry: protocol error")
	ErrTemporaryFailure     = errors.New("retry: temporary failure")
	ErrNetworkUnreachable   = errors.New("retry: network unreachable")
	ErrConnectionRefused    = errors.New("retry: connection refused")
)

// Classify maps a transport error to a Category, preferring an exact
// sentinel match and falling back to stdlib network-error heuristics.
func Classify(err error) Category {
	switch {
	case err == nil:
		return Unknown
	case errors.Is(err, ErrConnectionRefused):
		return ConnectionRefused
	case errors.Is(err, ErrNetworkUnreachable):
		return NetworkUnreachable
	case errors.Is(err, ErrTemporaryFailure):
		return TemporaryFailure
	case errors.Is(err, ErrProtocolError):
		return ProtocolError
	case errors.Is(err, ErrSerializationError):
		return SerializationError
	case errors.Is(err, ErrSerializationTimeout):
		return SerializationTimeout
	case errors.Is(err, ErrConnectionFailure):
		return ConnectionFailure
	case errors.Is(err, ErrNetworkDelay):
		return NetworkDelay
	case errors.Is(err, context.DeadlineExceeded):
		return NetworkTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NetworkTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			return ConnectionRefused
		}
		return ConnectionFailure
	}

	return TemporaryFailure
}

// Policy configures the retry behavior for one operation kind. Delay
// sequence: d0 = InitialDelay; d(k+1) = min(d(k) * BackoffMultiplier,
// MaxDelay), then scaled by uniform(1-JitterFactor, 1+JitterFactor).
type Policy struct {
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterFactor      float64
	MaxAttempts       int
}

// DefaultPolicy is used for any operation kind without an explicit
// SetRetryPolicy call.
var DefaultPolicy = Policy{
	InitialDelay:      50 * time.Millisecond,
	MaxDelay:          2 * time.Second,
	BackoffMultiplier: 2.0,
	JitterFactor:      0.2,
	MaxAttempts:       5,
}

// Result is what ExecuteWithRetry delivers once the operation succeeds,
// exhausts its attempts, or the context is cancelled.
type Result[T any] struct {
	Value    T
	Err      error
	Attempts int
	Category Category
}

// Handler owns per-operation-kind retry policies and the rolling window
// used for the partition-suspicion heuristic.
type Handler struct {
	mu         sync.Mutex
	policies   map[string]Policy
	window     []Category
	windowSize int
}

// NewHandler returns a Handler with an empty policy table and a
// partition-suspicion window of the last 5 classified errors.
func NewHandler() *Handler {
	return &Handler{policies: make(map[string]Policy), windowSize: 5}
}

// SetRetryPolicy installs the retry policy used for operations of the
// given kind (e.g. "request_vote", "append_entries").
func (h *Handler) SetRetryPolicy(kind string, p Policy) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.policies[kind] = p
}

func (h *Handler) policyFor(kind string) Policy {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.policies[kind]; ok {
		return p
	}
	return DefaultPolicy
}

// ExecuteWithRetry runs op, retrying on retryable categories per kind's
// policy, and returns a channel that receives exactly one Result. The
// retry loop — including backoff delays — runs entirely on a background
// goroutine; it never blocks the calling goroutine.
func ExecuteWithRetry[T any](h *Handler, ctx context.Context, kind string, op func(context.Context) (T, error)) <-chan Result[T] {
	out := make(chan Result[T], 1)

	go func() {
		defer close(out)

		policy := h.policyFor(kind)
		eb := backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(policy.InitialDelay),
			backoff.WithMaxInterval(policy.MaxDelay),
			backoff.WithMultiplier(policy.BackoffMultiplier),
			backoff.WithRandomizationFactor(policy.JitterFactor),
		)

		attempts := 0
		lastCategory := Unknown

		value, err := backoff.Retry(ctx, func() (T, error) {
			attempts++
			v, callErr := op(ctx)
			if callErr == nil {
				return v, nil
			}

			cat := Classify(callErr)
			lastCategory = cat
			h.recordCategory(cat)

			if !cat.Retryable() {
				return v, backoff.Permanent(callErr)
			}
			return v, callErr
		}, backoff.WithBackOff(eb), backoff.WithMaxTries(uint(policy.MaxAttempts)))

		out <- Result[T]{Value: value, Err: err, Attempts: attempts, Category: lastCategory}
	}()

	return out
}

// Observe classifies err and folds it into the partition-suspicion
// window. Callers that dispatch RPCs directly (rather than through
// ExecuteWithRetry) use this to keep SuspectedPartition accurate.
func (h *Handler) Observe(err error) Category {
	cat := Classify(err)
	h.recordCategory(cat)
	return cat
}

func (h *Handler) recordCategory(cat Category) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.window = append(h.window, cat)
	if len(h.window) > h.windowSize {
		h.window = h.window[len(h.window)-h.windowSize:]
	}
}

// SuspectedPartition reports whether the most recent classified errors
// are all timeout/unreachable — an advisory signal for metrics and logs.
// It never affects Raft safety.
func (h *Handler) SuspectedPartition() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.window) < h.windowSize {
		return false
	}
	for _, c := range h.window {
		if c != NetworkTimeout && c != NetworkUnreachable {
			return false
		}
	}
	return true
}
