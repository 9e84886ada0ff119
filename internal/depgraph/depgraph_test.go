package depgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddOrUpdateAndHas(t *testing.T) {
	g := New()
	assert.False(t, g.Has("a"))
	g.AddOrUpdate("a", Required)
	assert.True(t, g.Has("a"))
}

func TestConnectUnknownNodeFails(t *testing.T) {
	g := New()
	g.AddOrUpdate("a", Required)
	err := g.Connect("a", "b", "sha")
	assert.Error(t, err)
}

func TestVersionsOrderedByEdgeInsertion(t *testing.T) {
	g := New()
	g.AddOrUpdate("a", Required)
	g.AddOrUpdate("b", Required)
	g.AddOrUpdate("c", Required)
	require.NoError(t, g.Connect("a", "c", "sha1"))
	require.NoError(t, g.Connect("b", "c", "sha2"))

	assert.Equal(t, []string{"sha1", "sha2"}, g.Versions("c"))
}

func TestDFSPostOrderChildrenBeforeParents(t *testing.T) {
	g := New()
	g.AddOrUpdate("a", Required)
	g.AddOrUpdate("b", Required)
	g.AddOrUpdate("c", Required)
	require.NoError(t, g.Connect("a", "b", "sha_b"))
	require.NoError(t, g.Connect("b", "c", "sha_c"))

	order, err := g.DFSPostOrder("a")
	require.NoError(t, err)

	names := make([]string, len(order))
	for i, n := range order {
		names[i] = g.GetName(n)
	}
	assert.Equal(t, []string{"c", "b", "a"}, names)
}

func TestDFSPostOrderVisitsDiamondOnce(t *testing.T) {
	// a -> b -> d
	// a -> c -> d
	g := New()
	for _, name := range []string{"a", "b", "c", "d"} {
		g.AddOrUpdate(name, Required)
	}
	require.NoError(t, g.Connect("a", "b", "sha_b"))
	require.NoError(t, g.Connect("a", "c", "sha_c"))
	require.NoError(t, g.Connect("b", "d", "sha_d1"))
	require.NoError(t, g.Connect("c", "d", "sha_d2"))

	order, err := g.DFSPostOrder("a")
	require.NoError(t, err)
	assert.Len(t, order, 4)

	seen := map[string]int{}
	for _, n := range order {
		seen[g.GetName(n)]++
	}
	for name, count := range seen {
		assert.Equalf(t, 1, count, "node %s visited more than once", name)
	}
}

func TestDFSPostOrderUnknownRoot(t *testing.T) {
	g := New()
	_, err := g.DFSPostOrder("ghost")
	assert.Error(t, err)
}

func TestDuplicateEdgeSameSHADoesNotChangeFirstVersion(t *testing.T) {
	g := New()
	g.AddOrUpdate("a", Required)
	g.AddOrUpdate("b", Required)
	require.NoError(t, g.Connect("a", "b", "sha1"))
	require.NoError(t, g.Connect("a", "b", "sha1"))

	versions := g.Versions("b")
	require.NotEmpty(t, versions)
	assert.Equal(t, "sha1", versions[0])
}
