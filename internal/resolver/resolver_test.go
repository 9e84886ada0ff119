package resolver

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-dm/srcbuild/internal/table"
)

// fakeCache is an in-memory stand-in for repocache.Cache keyed by product
// name. It records the ref list each Checkout received and how many times
// each product was checked out, so tests can assert on exactly what ref was
// requested; HeadSHA returns "sha_<product>", set on first checkout.
type fakeCache struct {
	ensured      map[string]bool
	checkoutRefs map[string][]string
	checkouts    map[string]int
	headSHAs     map[string]string
	failCheckout map[string]bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		ensured:      map[string]bool{},
		checkoutRefs: map[string][]string{},
		checkouts:    map[string]int{},
		headSHAs:     map[string]string{},
		failCheckout: map[string]bool{},
	}
}

func (f *fakeCache) Ensure(ctx context.Context, product string) error {
	f.ensured[product] = true
	return nil
}

func (f *fakeCache) Checkout(ctx context.Context, product string, refs []string) error {
	if f.failCheckout[product] {
		return fmt.Errorf("no matching ref for %s", product)
	}
	f.checkoutRefs[product] = refs
	f.checkouts[product]++
	if _, ok := f.headSHAs[product]; !ok {
		f.headSHAs[product] = "sha_" + product
	}
	return nil
}

func (f *fakeCache) HeadSHA(ctx context.Context, product string) (string, error) {
	return f.headSHAs[product], nil
}

func (f *fakeCache) WorkDir(product string) (string, error) {
	return "/work/" + product, nil
}

type fakeSource map[string]string

func (f fakeSource) PinnedRef(product string) (string, bool) {
	ref, ok := f[product]
	return ref, ok
}

func fakeTableLoader(tables map[string]*table.Table) TableLoader {
	return func(product, workDir string) (*table.Table, error) {
		tbl, ok := tables[product]
		if !ok {
			return &table.Table{Product: product, WorkDir: workDir}, nil
		}
		return tbl, nil
	}
}

func TestResolveSimpleChain(t *testing.T) {
	cache := newFakeCache()
	tables := map[string]*table.Table{
		"a": {Required: []table.Dependency{{Name: "b"}}},
		"b": {},
	}
	r := New(cache, fakeSource{}, []string{"w.1"}, fakeTableLoader(tables))

	require.NoError(t, r.Resolve(context.Background(), "a"))

	assert.True(t, r.Graph.Has("a"))
	assert.True(t, r.Graph.Has("b"))
	assert.Equal(t, []string{"sha_b"}, r.Graph.Versions("b"))
}

func TestResolveRefListAppendsMasterByDefault(t *testing.T) {
	cache := newFakeCache()
	tables := map[string]*table.Table{"a": {}}
	r := New(cache, fakeSource{}, []string{"w.1"}, fakeTableLoader(tables))

	require.NoError(t, r.Resolve(context.Background(), "a"))
	assert.Equal(t, []string{"w.1", "master"}, cache.checkoutRefs["a"])
}

func TestResolveRefListUsesPinnedRefInsteadOfMaster(t *testing.T) {
	cache := newFakeCache()
	tables := map[string]*table.Table{"a": {}}
	r := New(cache, fakeSource{"a": "base_branch"}, []string{"w.1"}, fakeTableLoader(tables))

	require.NoError(t, r.Resolve(context.Background(), "a"))
	assert.Equal(t, []string{"w.1", "base_branch"}, cache.checkoutRefs["a"])
}

func TestResolveDoesNotRevisitAlreadyGraphedDependency(t *testing.T) {
	cache := newFakeCache()
	// diamond: a requires b and c; both b and c require d.
	tables := map[string]*table.Table{
		"a": {Required: []table.Dependency{{Name: "b"}, {Name: "c"}}},
		"b": {Required: []table.Dependency{{Name: "d"}}},
		"c": {Required: []table.Dependency{{Name: "d"}}},
		"d": {},
	}
	r := New(cache, fakeSource{}, []string{"w.1"}, fakeTableLoader(tables))

	require.NoError(t, r.Resolve(context.Background(), "a"))

	order, err := r.Graph.DFSPostOrder("a")
	require.NoError(t, err)
	assert.Len(t, order, 4)
	assert.Equal(t, 1, cache.checkouts["d"])
}

func TestResolvePropagatesCheckoutFailure(t *testing.T) {
	cache := newFakeCache()
	cache.failCheckout["b"] = true
	tables := map[string]*table.Table{
		"a": {Required: []table.Dependency{{Name: "b"}}},
	}
	r := New(cache, fakeSource{}, []string{"w.1"}, fakeTableLoader(tables))

	err := r.Resolve(context.Background(), "a")
	assert.Error(t, err)
}
