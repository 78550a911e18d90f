package consensus

import (
	"math/rand"
	"testing"

	"github.com/clusterd/cfgsync/internal/artifact"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cluster(t *testing.T, text string) *artifact.Artifact {
	t.Helper()
	a, err := artifact.New(artifact.ClusterConf, text)
	require.NoError(t, err)
	return a
}

func TestSelect(t *testing.T) {
	cfg1 := cluster(t, `<cluster config_version="1" name="test1"/>`)
	cfg3 := cluster(t, `<cluster config_version="2" name="test1"/>`)
	cfg4 := cluster(t, `<cluster config_version="2" name="test2"/>`)
	require.True(t, cfg3.Less(cfg4))

	tests := []struct {
		name      string
		instances []*artifact.Artifact
		expected  *artifact.Artifact
	}{
		{"trivial", []*artifact.Artifact{cfg1}, cfg1},
		{"version only", []*artifact.Artifact{cfg1, cfg1, cfg3}, cfg3},
		{"count wins", []*artifact.Artifact{cfg3, cfg3, cfg4}, cfg3},
		{"count wins over older", []*artifact.Artifact{cfg1, cfg3, cfg3, cfg4}, cfg3},
		{"tie goes to fingerprint", []*artifact.Artifact{cfg3, cfg4}, cfg4},
		{"tie ignores older", []*artifact.Artifact{cfg1, cfg3, cfg4}, cfg4},
		{"tie of pairs", []*artifact.Artifact{cfg3, cfg3, cfg4, cfg4}, cfg4},
		{"older votes do not count", []*artifact.Artifact{cfg1, cfg1, cfg1, cfg3, cfg3, cfg4, cfg4}, cfg4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			winner, err := Select(tt.instances)
			require.NoError(t, err)
			assert.True(t, tt.expected.Equal(winner), "got %s", winner)
		})
	}
}

func TestSelectEmpty(t *testing.T) {
	_, err := Select(nil)
	assert.ErrorIs(t, err, ErrNoInstances)

	assert.Nil(t, Tally(nil))
}

func TestSelectOrderInvariant(t *testing.T) {
	var instances []*artifact.Artifact
	for _, text := range []string{
		`<cluster config_version="3" name="a"/>`,
		`<cluster config_version="3" name="b"/>`,
		`<cluster config_version="3" name="b"/>`,
		`<cluster config_version="3" name="c"/>`,
		`<cluster config_version="3" name="c"/>`,
		`<cluster config_version="2" name="d"/>`,
	} {
		instances = append(instances, cluster(t, text))
	}

	expected, err := Select(instances)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		shuffled := append([]*artifact.Artifact(nil), instances...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		winner, err := Select(shuffled)
		require.NoError(t, err)
		assert.True(t, expected.Equal(winner))
	}
}

func TestSelectDuplicationInvariant(t *testing.T) {
	f1 := cluster(t, `<cluster config_version="2" name="test1"/>`)
	f2 := cluster(t, `<cluster config_version="2" name="test2"/>`)
	older := cluster(t, `<cluster config_version="1" name="test1"/>`)

	winner, err := Select([]*artifact.Artifact{f1, f1, f1, f2, older})
	require.NoError(t, err)
	assert.True(t, f1.Equal(winner))

	// duplicating a report that already leads keeps it leading
	winner, err = Select([]*artifact.Artifact{f1, f1, f1, f1, f2, older})
	require.NoError(t, err)
	assert.True(t, f1.Equal(winner))

	// duplicating an older report changes nothing
	winner, err = Select([]*artifact.Artifact{f1, f1, f1, f2, older, older, older, older})
	require.NoError(t, err)
	assert.True(t, f1.Equal(winner))
}

func TestVersionTieBreakScenario(t *testing.T) {
	lo := cluster(t, `<cluster config_version="2" name="test1"/>`)
	hi := cluster(t, `<cluster config_version="2" name="test2"/>`)
	require.True(t, lo.Fingerprint() < hi.Fingerprint())

	winner, err := Select([]*artifact.Artifact{lo, lo, hi})
	require.NoError(t, err)
	assert.Equal(t, lo.Fingerprint(), winner.Fingerprint())

	winner, err = Select([]*artifact.Artifact{lo, hi})
	require.NoError(t, err)
	assert.Equal(t, hi.Fingerprint(), winner.Fingerprint())
}

func TestTally(t *testing.T) {
	f1 := cluster(t, `<cluster config_version="2" name="test1"/>`)
	f2 := cluster(t, `<cluster config_version="2" name="test2"/>`)
	older := cluster(t, `<cluster config_version="1" name="test1"/>`)

	candidates := Tally([]*artifact.Artifact{f2, f1, older, f1})
	require.Len(t, candidates, 2)
	assert.Equal(t, 2, candidates[0].Votes)
	assert.True(t, f1.Equal(candidates[0].Artifact))
	assert.Equal(t, 1, candidates[1].Votes)
	assert.True(t, f2.Equal(candidates[1].Artifact))
}
