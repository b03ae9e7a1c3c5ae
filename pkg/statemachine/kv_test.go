package statemachine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplySetAndGet(t *testing.T) {
	s := New()
	cmd, err := EncodeCommand(Command{Kind: CommandSet, Key: "a", Value: []byte("1"), ClientID: "c1", RequestID: 1})
	require.NoError(t, err)

	resp, err := s.Apply(cmd, 1)
	require.NoError(t, err)
	require.Equal(t, []byte("OK"), resp)

	v, ok := s.Get("a")
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)
}

func TestApplyDeduplicatesRetriedRequest(t *testing.T) {
	s := New()
	cmd, _ := EncodeCommand(Command{Kind: CommandSet, Key: "a", Value: []byte("1"), ClientID: "c1", RequestID: 5})
	_, err := s.Apply(cmd, 1)
	require.NoError(t, err)

	cmd2, _ := EncodeCommand(Command{Kind: CommandSet, Key: "a", Value: []byte("2"), ClientID: "c1", RequestID: 5})
	resp, err := s.Apply(cmd2, 2)
	require.NoError(t, err)
	require.Equal(t, []byte("OK"), resp)

	v, _ := s.Get("a")
	require.Equal(t, []byte("1"), v, "a replayed RequestID must not re-execute the command")
}

func TestApplyDelete(t *testing.T) {
	s := New()
	setCmd, _ := EncodeCommand(Command{Kind: CommandSet, Key: "a", Value: []byte("1"), ClientID: "c1", RequestID: 1})
	_, err := s.Apply(setCmd, 1)
	require.NoError(t, err)

	delCmd, _ := EncodeCommand(Command{Kind: CommandDelete, Key: "a", ClientID: "c1", RequestID: 2})
	_, err = s.Apply(delCmd, 2)
	require.NoError(t, err)

	_, ok := s.Get("a")
	require.False(t, ok)
}

func TestGetStateRoundTrip(t *testing.T) {
	s := New()
	for i, key := range []string{"a", "b", "c"} {
		cmd, _ := EncodeCommand(Command{Kind: CommandSet, Key: key, Value: []byte{byte(i)}, ClientID: "c1", RequestID: uint64(i + 1)})
		_, err := s.Apply(cmd, uint64(i+1))
		require.NoError(t, err)
	}

	state, err := s.GetState()
	require.NoError(t, err)

	restored := New()
	require.NoError(t, restored.RestoreFromSnapshot(state, 3))
	require.Equal(t, s.Size(), restored.Size())

	v, ok := restored.Get("b")
	require.True(t, ok)
	require.Equal(t, []byte{1}, v)
}
