package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestManagerLifecycle(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.AddMember("a", "10.0.0.1:8080", true))
	require.NoError(t, m.AddMember("b", "10.0.0.2:8080", true))
	require.Error(t, m.AddMember("a", "dup", true))

	require.NoError(t, m.ActivateMember("a"))
	active := m.GetActiveMembers()
	require.Len(t, active, 2) // a active, b still joining counts as reachable

	require.NoError(t, m.RemoveMember("b"))
	voters := m.GetVotingMembers()
	require.Len(t, voters, 1)
	require.Equal(t, "a", voters[0].ID)
}

func TestConfigurationSingleMajority(t *testing.T) {
	cfg := Configuration{New: []string{"a", "b", "c"}}

	require.True(t, cfg.HasMajority(map[string]bool{"a": true, "b": true}))
	require.False(t, cfg.HasMajority(map[string]bool{"a": true}))
}

func TestConfigurationJointMajorityRequiresBoth(t *testing.T) {
	cfg := Configuration{New: []string{"a", "b", "c"}}
	joint := cfg.EnterJoint([]string{"a", "b", "c", "d", "e"})

	require.True(t, joint.Joint)
	require.ElementsMatch(t, []string{"a", "b", "c"}, joint.Old)
	require.ElementsMatch(t, []string{"a", "b", "c", "d", "e"}, joint.New)

	// Majority in new set only (3 of 5) but not in old set (1 of 3): not a quorum.
	acked := map[string]bool{"a": true, "d": true, "e": true}
	require.False(t, joint.HasMajority(acked))

	// Majority in both old (2 of 3) and new (3 of 5).
	acked2 := map[string]bool{"a": true, "b": true, "d": true}
	require.True(t, joint.HasMajority(acked2))

	final := joint.LeaveJoint()
	require.False(t, final.Joint)
	require.ElementsMatch(t, []string{"a", "b", "c", "d", "e"}, final.New)
}

func TestConfigurationVotingSetUnion(t *testing.T) {
	cfg := Configuration{New: []string{"a", "b", "c"}}
	joint := cfg.EnterJoint([]string{"b", "c", "d"})

	require.ElementsMatch(t, []string{"a", "b", "c", "d"}, joint.VotingSet())
}

func TestConfigurationContainsReflectsPendingRemoval(t *testing.T) {
	cfg := Configuration{New: []string{"a", "b", "c"}}
	joint := cfg.EnterJoint([]string{"a", "b"})

	require.True(t, joint.Contains("a"))
	require.False(t, joint.Contains("c"))
}
