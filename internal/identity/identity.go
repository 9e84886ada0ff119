// Package identity computes the content-addressed identity hash that makes
// memoization possible: a SHA-1 digest over a product's post-order
// dependency closure, matching the original Rust tool's
// Sha1::new()/input/result_str pattern in make_product_id (regenerate.rs).
package identity

import (
	"context"
	"crypto/sha1"
	"encoding/hex"

	"github.com/lsst-dm/srcbuild/internal/depgraph"
)

// HeadSHAFunc resolves a product's current working-copy HEAD SHA. It is the
// fallback used when a node has no recorded version-set entry, which happens
// for any node no edge points at, such as the root of the resolved graph
// (spec: "the node's first
// recorded version-set entry if non-empty, otherwise the current HEAD SHA of
// its working copy").
type HeadSHAFunc func(ctx context.Context, product string) (string, error)

// Hasher computes identity hashes over a dependency graph.
type Hasher struct {
	Graph   *depgraph.Graph
	HeadSHA HeadSHAFunc
}

// New returns a Hasher bound to g, falling back to headSHA for nodes with no
// recorded version.
func New(g *depgraph.Graph, headSHA HeadSHAFunc) *Hasher {
	return &Hasher{Graph: g, HeadSHA: headSHA}
}

// Identity returns the hex-encoded SHA-1 identity of root: the digest of the
// concatenation, in post-order, of each node's per-node hash. A node's
// per-node hash is its first recorded version-set entry, or its current
// working-copy HEAD SHA when that set is empty.
func (h *Hasher) Identity(ctx context.Context, root string) (string, error) {
	order, err := h.Graph.DFSPostOrder(root)
	if err != nil {
		return "", err
	}

	digest := sha1.New()
	for _, n := range order {
		name := h.Graph.GetName(n)
		sha, err := h.perNodeHash(ctx, name)
		if err != nil {
			return "", err
		}
		digest.Write([]byte(sha))
	}

	return hex.EncodeToString(digest.Sum(nil)), nil
}

func (h *Hasher) perNodeHash(ctx context.Context, name string) (string, error) {
	if versions := h.Graph.Versions(name); len(versions) > 0 {
		return versions[0], nil
	}
	return h.HeadSHA(ctx, name)
}
