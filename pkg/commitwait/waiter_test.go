package commitwait

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNotifyCommittedAndAppliedFulfillsOnce(t *testing.T) {
	w := New()

	var fulfilled []byte
	var rejected error
	w.Register(1, 1, time.Now().Add(time.Second), func(v []byte) { fulfilled = v }, func(e error) { rejected = e })

	w.NotifyCommittedAndApplied(1, func(idx uint64) ([]byte, error) {
		require.Equal(t, uint64(1), idx)
		return []byte("ok"), nil
	})

	require.Equal(t, []byte("ok"), fulfilled)
	require.NoError(t, rejected)
	require.Equal(t, 0, w.PendingCount())
}

func TestNotifyCommittedAndAppliedRejectsOnApplyError(t *testing.T) {
	w := New()

	var fulfilled []byte
	var rejected error
	w.Register(1, 1, time.Now().Add(time.Second), func(v []byte) { fulfilled = v }, func(e error) { rejected = e })

	applyErr := errors.New("boom")
	w.NotifyCommittedAndApplied(1, func(uint64) ([]byte, error) { return nil, applyErr })

	require.Nil(t, fulfilled)
	require.ErrorIs(t, rejected, applyErr)
}

func TestMultipleOperationsAtSameIndex(t *testing.T) {
	w := New()

	var results [2][]byte
	w.Register(5, 1, time.Now().Add(time.Second), func(v []byte) { results[0] = v }, func(error) {})
	w.Register(5, 1, time.Now().Add(time.Second), func(v []byte) { results[1] = v }, func(error) {})

	calls := 0
	w.NotifyCommittedAndApplied(5, func(uint64) ([]byte, error) {
		calls++
		return []byte("shared"), nil
	})

	require.Equal(t, 1, calls, "produce must be invoked exactly once per index")
	require.Equal(t, []byte("shared"), results[0])
	require.Equal(t, []byte("shared"), results[1])
}

func TestCancelAllOperationsLeadershipLost(t *testing.T) {
	w := New()

	var rejected []error
	for i := uint64(1); i <= 3; i++ {
		w.Register(i, 1, time.Now().Add(time.Second), func([]byte) {}, func(e error) { rejected = append(rejected, e) })
	}

	reason := errors.New("leadership lost")
	w.CancelAllLeadershipLost(reason)

	require.Len(t, rejected, 3)
	require.Equal(t, 0, w.PendingCount())
}

func TestCancelOperationsAfterIndex(t *testing.T) {
	w := New()

	var fulfilled, rejected []uint64
	for i := uint64(1); i <= 5; i++ {
		idx := i
		w.Register(idx, 1, time.Now().Add(time.Second),
			func([]byte) { fulfilled = append(fulfilled, idx) },
			func(error) { rejected = append(rejected, idx) })
	}

	w.CancelOperationsAfterIndex(3, errors.New("superseded"))
	require.ElementsMatch(t, []uint64{4, 5}, rejected)
	require.Equal(t, 2, w.PendingCount())
}

func TestCancelTimedOutOperations(t *testing.T) {
	w := New()

	var rejected []uint64
	for i := uint64(1); i <= 3; i++ {
		idx := i
		w.Register(idx, 1, time.Now().Add(-time.Millisecond),
			func([]byte) {},
			func(error) { rejected = append(rejected, idx) })
	}

	w.CancelTimedOutOperations(time.Now(), func(index uint64) error { return errors.New("timeout") })

	require.ElementsMatch(t, []uint64{1, 2, 3}, rejected)
	require.Equal(t, 0, w.PendingCount())
}

func TestCancelAllOperationsShutdown(t *testing.T) {
	w := New()

	count := 0
	for i := uint64(1); i <= 4; i++ {
		w.Register(i, 1, time.Now().Add(time.Minute), func([]byte) {}, func(error) { count++ })
	}

	w.CancelAllOperations(errors.New("shutdown"))
	require.Equal(t, 4, count)
}
