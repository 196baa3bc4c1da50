package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClusterIDIsOrderIndependent(t *testing.T) {
	a := ClusterID([]string{"b", "a", "c"})
	b := ClusterID([]string{"c", "b", "a", "a"})
	assert.Equal(t, a, b)
	assert.Len(t, a, ClusterIDLength)
	assert.NotEqual(t, a, ClusterID([]string{"a", "b"}))
}

func TestParseCategory(t *testing.T) {
	c, err := ParseCategory(" Exchange ")
	require.NoError(t, err)
	assert.Equal(t, CategoryExchange, c)

	_, err = ParseCategory("casino")
	assert.Error(t, err)
}

func TestReasonOrderFollowsDeclaration(t *testing.T) {
	codes := ReasonCodes()
	for i, c := range codes {
		assert.Equal(t, i, c.Order())
	}
	assert.Equal(t, -1, ReasonCode("NOPE").Order())
	assert.Equal(t, []ReasonCode{ReasonMultiSource}, ParseReasons([]string{"MULTI_SOURCE", "NOPE"}))
}

func TestDominantScript(t *testing.T) {
	c := Cluster{ScriptMix: map[string]uint64{"p2wpkh": 3, "p2pkh": 3, "p2sh": 1}}
	assert.Equal(t, "p2pkh", c.DominantScript())
}

func TestEntityIDStable(t *testing.T) {
	assert.Equal(t, EntityID("acme"), EntityID("acme"))
	assert.Len(t, EntityID("acme"), 32)
}
