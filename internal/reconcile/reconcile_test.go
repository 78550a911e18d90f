package reconcile

import (
	"testing"

	"github.com/clusterd/cfgsync/internal/artifact"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixtures struct {
	cfg1, cfg2, cfg3, cfg4 *artifact.Artifact
}

func newFixtures(t *testing.T) fixtures {
	t.Helper()
	mk := func(text string) *artifact.Artifact {
		a, err := artifact.New(artifact.ClusterConf, text)
		require.NoError(t, err)
		return a
	}
	f := fixtures{
		cfg1: mk(`<cluster config_version="1" name="test1"/>`),
		cfg2: mk(`<cluster config_version="1" name="test1"/>`),
		cfg3: mk(`<cluster config_version="2" name="test1"/>`),
		cfg4: mk(`<cluster config_version="2" name="test2"/>`),
	}
	require.True(t, f.cfg3.Less(f.cfg4))
	return f
}

func reports(nodes ...*artifact.Artifact) map[string]map[artifact.Kind]*artifact.Artifact {
	out := make(map[string]map[artifact.Kind]*artifact.Artifact)
	for i, a := range nodes {
		out[string(rune('a'+i))] = map[artifact.Kind]*artifact.Artifact{a.Kind(): a}
	}
	return out
}

func assertPlan(t *testing.T, result Result, pull, push []*artifact.Artifact) {
	t.Helper()
	require.Len(t, result.Pull, len(pull))
	require.Len(t, result.Push, len(push))
	for i := range pull {
		assert.True(t, pull[i].Equal(result.Pull[i]), "pull %d: got %s", i, result.Pull[i])
	}
	for i := range push {
		assert.True(t, push[i].Equal(result.Push[i]), "push %d: got %s", i, result.Push[i])
	}
}

func TestPlan(t *testing.T) {
	f := newFixtures(t)
	local := func(a *artifact.Artifact) map[artifact.Kind]*artifact.Artifact {
		return map[artifact.Kind]*artifact.Artifact{artifact.ClusterConf: a}
	}
	none := []*artifact.Artifact{}

	tests := []struct {
		name  string
		local *artifact.Artifact
		peers []*artifact.Artifact
		pull  []*artifact.Artifact
		push  []*artifact.Artifact
	}{
		// local config is synced
		{"synced single", f.cfg1, []*artifact.Artifact{f.cfg1}, none, none},
		{"synced equal copy", f.cfg1, []*artifact.Artifact{f.cfg2}, none, none},
		{"synced two", f.cfg1, []*artifact.Artifact{f.cfg1, f.cfg2}, none, none},
		{"synced three", f.cfg1, []*artifact.Artifact{f.cfg1, f.cfg2, f.cfg2}, none, none},
		// local config is older
		{"older single", f.cfg1, []*artifact.Artifact{f.cfg3}, []*artifact.Artifact{f.cfg3}, none},
		{"older tie", f.cfg1, []*artifact.Artifact{f.cfg3, f.cfg4}, []*artifact.Artifact{f.cfg4}, none},
		{"older plurality", f.cfg1, []*artifact.Artifact{f.cfg3, f.cfg4, f.cfg3}, []*artifact.Artifact{f.cfg3}, none},
		// local config is newer
		{"newer single", f.cfg3, []*artifact.Artifact{f.cfg1}, none, []*artifact.Artifact{f.cfg3}},
		{"newer two", f.cfg3, []*artifact.Artifact{f.cfg1, f.cfg1}, none, []*artifact.Artifact{f.cfg3}},
		// same version, lower local fingerprint
		{"same version equal", f.cfg3, []*artifact.Artifact{f.cfg3}, none, none},
		{"same version other", f.cfg3, []*artifact.Artifact{f.cfg4}, []*artifact.Artifact{f.cfg4}, none},
		{"same version tie", f.cfg3, []*artifact.Artifact{f.cfg3, f.cfg4}, []*artifact.Artifact{f.cfg4}, none},
		{"same version local plurality", f.cfg3, []*artifact.Artifact{f.cfg3, f.cfg4, f.cfg3}, none, none},
		{"same version other plurality", f.cfg3, []*artifact.Artifact{f.cfg3, f.cfg4, f.cfg4}, []*artifact.Artifact{f.cfg4}, none},
		// same version, higher local fingerprint
		{"higher local vs lower peer", f.cfg4, []*artifact.Artifact{f.cfg3}, []*artifact.Artifact{f.cfg3}, none},
		{"higher local equal", f.cfg4, []*artifact.Artifact{f.cfg4}, none, none},
		{"higher local tie", f.cfg4, []*artifact.Artifact{f.cfg3, f.cfg4}, none, none},
		{"higher local outvoted", f.cfg4, []*artifact.Artifact{f.cfg3, f.cfg4, f.cfg3}, []*artifact.Artifact{f.cfg3}, none},
		{"higher local plurality", f.cfg4, []*artifact.Artifact{f.cfg3, f.cfg4, f.cfg4}, none, none},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Plan(local(tt.local), reports(tt.peers...))
			assertPlan(t, result, tt.pull, tt.push)
		})
	}
}

func TestPlanNoPeers(t *testing.T) {
	f := newFixtures(t)
	result := Plan(map[artifact.Kind]*artifact.Artifact{artifact.ClusterConf: f.cfg3}, nil)
	assert.Empty(t, result.Pull)
	assert.Empty(t, result.Push)
}

func TestPlanMultipleKinds(t *testing.T) {
	f := newFixtures(t)
	tokensOld, err := artifact.New(artifact.Tokens, `{"data_version": 1}`)
	require.NoError(t, err)
	tokensNew, err := artifact.New(artifact.Tokens, `{"data_version": 4}`)
	require.NoError(t, err)

	local := map[artifact.Kind]*artifact.Artifact{
		artifact.ClusterConf: f.cfg3,
		artifact.Tokens:      tokensOld,
	}
	nodeReports := map[string]map[artifact.Kind]*artifact.Artifact{
		"node1": {artifact.ClusterConf: f.cfg1, artifact.Tokens: tokensNew},
		"node2": {artifact.ClusterConf: f.cfg1},
	}

	result := Plan(local, nodeReports)
	assertPlan(t, result, []*artifact.Artifact{tokensNew}, []*artifact.Artifact{f.cfg3})
}

func TestReconcileEqualVersionConflict(t *testing.T) {
	f := newFixtures(t)

	// local holds the greater fingerprint yet the peer report wins
	decision := Reconcile(f.cfg4, []*artifact.Artifact{f.cfg3})
	require.NotNil(t, decision.Pull)
	assert.Nil(t, decision.Push)
	assert.Equal(t, f.cfg3.Fingerprint(), decision.Pull.Fingerprint())
}

func TestReconcileNeverBoth(t *testing.T) {
	f := newFixtures(t)
	all := []*artifact.Artifact{f.cfg1, f.cfg3, f.cfg4}

	for _, local := range all {
		for _, a := range all {
			for _, b := range all {
				decision := Reconcile(local, []*artifact.Artifact{a, b})
				assert.False(t, decision.Pull != nil && decision.Push != nil)
			}
		}
	}
}

func TestReconcileIdempotent(t *testing.T) {
	f := newFixtures(t)
	all := []*artifact.Artifact{f.cfg1, f.cfg3, f.cfg4}

	for _, local := range all {
		for _, a := range all {
			for _, b := range all {
				peers := []*artifact.Artifact{a, b, a}
				decision := Reconcile(local, peers)
				if decision.Pull == nil {
					continue
				}
				again := Reconcile(decision.Pull, peers)
				assert.True(t, again.InSync(), "local %s peers %s %s", local, a, b)
			}
		}
	}
}

func TestReconcileEmptyPeers(t *testing.T) {
	f := newFixtures(t)
	assert.True(t, Reconcile(f.cfg1, nil).InSync())
}
