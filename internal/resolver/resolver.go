// Package resolver drives RepoCache, the table parser, and DepGraph to
// build the full transitive dependency graph of a root product, following
// regenerate.rs's graph_repo recursion: clone, checkout, parse table, and
// recurse into each required dependency before connecting the edge with the
// dependency's just-observed HEAD SHA.
package resolver

import (
	"context"

	"github.com/lsst-dm/srcbuild/internal/depgraph"
	"github.com/lsst-dm/srcbuild/internal/table"
)

// Cache is the subset of repocache.Cache the resolver needs.
type Cache interface {
	Ensure(ctx context.Context, product string) error
	Checkout(ctx context.Context, product string, refs []string) error
	HeadSHA(ctx context.Context, product string) (string, error)
	WorkDir(product string) (string, error)
}

// PinnedRefSource is the subset of reposource.Source the resolver needs for
// ref-list computation.
type PinnedRefSource interface {
	PinnedRef(product string) (string, bool)
}

// TableLoader loads a product's parsed table file. Exists so tests can stub
// table access without touching the filesystem.
type TableLoader func(product, workDir string) (*table.Table, error)

// Resolver builds a DepGraph rooted at a product.
type Resolver struct {
	Cache     Cache
	Source    PinnedRefSource
	Graph     *depgraph.Graph
	Branches  []string
	LoadTable TableLoader
}

// New returns a Resolver. branches is the user-supplied branch preference
// list (without the implicit "master" fallback, which Resolver appends
// itself per product).
func New(cache Cache, source PinnedRefSource, branches []string, loadTable TableLoader) *Resolver {
	if loadTable == nil {
		loadTable = table.FromFile
	}
	return &Resolver{
		Cache:     cache,
		Source:    source,
		Graph:     depgraph.New(),
		Branches:  branches,
		LoadTable: loadTable,
	}
}

// Resolve produces a fully-populated DepGraph rooted at root.
func (r *Resolver) Resolve(ctx context.Context, root string) error {
	if err := r.Cache.Ensure(ctx, root); err != nil {
		return err
	}
	if err := r.Cache.Checkout(ctx, root, r.refListFor(root)); err != nil {
		return err
	}
	return r.graphProduct(ctx, root)
}

func (r *Resolver) graphProduct(ctx context.Context, name string) error {
	r.Graph.AddOrUpdate(name, depgraph.Required)

	workDir, err := r.Cache.WorkDir(name)
	if err != nil {
		return err
	}
	tbl, err := r.LoadTable(name, workDir)
	if err != nil {
		return err
	}

	for _, dep := range tbl.Required {
		depName := dep.Name
		if !r.Graph.Has(depName) {
			if err := r.Cache.Ensure(ctx, depName); err != nil {
				return err
			}
			if err := r.Cache.Checkout(ctx, depName, r.refListFor(depName)); err != nil {
				return err
			}
			if err := r.graphProduct(ctx, depName); err != nil {
				return err
			}
		}

		sha, err := r.Cache.HeadSHA(ctx, depName)
		if err != nil {
			return err
		}
		if err := r.Graph.Connect(name, depName, sha); err != nil {
			return err
		}
	}

	return nil
}

// refListFor computes the ref preference list for product: the
// user-supplied branches plus "master", unless the source has a pinned ref
// for this product, in which case "master" is removed and the pinned ref is
// appended instead (spec.md §3, "Ref preference list").
func (r *Resolver) refListFor(product string) []string {
	refs := make([]string, len(r.Branches))
	copy(refs, r.Branches)

	pinned, hasPinned := "", false
	if r.Source != nil {
		pinned, hasPinned = r.Source.PinnedRef(product)
	}

	if hasPinned && pinned != "" {
		refs = append(refs, pinned)
	} else {
		refs = append(refs, "master")
	}
	return refs
}
