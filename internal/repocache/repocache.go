// Package repocache is the on-disk clone store. It opens or clones a
// product's repository by URL and checks out the first matching ref from an
// ordered preference list, exactly as the original LSST "regenerate" tool's
// get_or_clone_repo/checkout_branch pair did (regenerate.rs), but built atop
// github.com/Masterminds/vcs — the same git wrapper the teacher repo
// (golang-dep) vendors for its own VCS layer — for cloning, with plain git
// commands for opening an existing clone and for the checkout/set-head half so the
// tree-update and HEAD-move steps can fail independently, per spec.
package repocache

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/Masterminds/vcs"
	"github.com/pkg/errors"

	"github.com/lsst-dm/srcbuild/internal/log"
	"github.com/lsst-dm/srcbuild/internal/srcerr"
)

// URLSource is the subset of reposource.Source the cache needs.
type URLSource interface {
	URLFor(product string) (string, bool)
}

// Cache is an on-disk clone store rooted at CloneRoot.
type Cache struct {
	CloneRoot string
	Source    URLSource
	Logger    *log.Logger
}

// New returns a Cache rooted at cloneRoot.
func New(cloneRoot string, src URLSource, logger *log.Logger) *Cache {
	return &Cache{CloneRoot: cloneRoot, Source: src, Logger: logger}
}

func (c *Cache) path(product string) string {
	return filepath.Join(c.CloneRoot, product)
}

// Has reports whether a clone for product already exists on disk.
func (c *Cache) Has(product string) bool {
	_, err := os.Stat(filepath.Join(c.path(product), ".git"))
	return err == nil
}

// Ensure opens the on-disk clone for product, or clones it from its
// RepoSource URL. A corrupted on-disk clone triggers one remove-and-reclone
// attempt before surfacing a fatal error.
func (c *Cache) Ensure(ctx context.Context, product string) error {
	url, ok := c.Source.URLFor(product)
	if !ok {
		return &srcerr.UnknownProduct{Product: product}
	}

	path := c.path(product)

	if _, err := os.Stat(path); err == nil {
		if c.isValidRepo(ctx, path) {
			c.logf("using repo found on disk for %s at %s", product, path)
			return nil
		}
		c.logf("repo for %s at %s looks corrupt, removing and re-cloning", product, path)
		if err := os.RemoveAll(path); err != nil {
			return &srcerr.IOFailure{Op: "remove", Path: path, Err: err}
		}
		return c.clone(ctx, product, url, path)
	}

	return c.clone(ctx, product, url, path)
}

func (c *Cache) clone(ctx context.Context, product, url, path string) error {
	c.logf("cloning %s from %s", product, url)
	repo, err := vcs.NewGitRepo(url, path)
	if err != nil {
		return &srcerr.CloneFailed{Product: product, URL: url, Err: err}
	}
	if err := repo.Get(); err != nil {
		return &srcerr.CloneFailed{Product: product, URL: url, Err: err}
	}
	return nil
}

func (c *Cache) isValidRepo(ctx context.Context, path string) bool {
	_, err := c.git(ctx, path, "rev-parse", "--git-dir")
	return err == nil
}

// Checkout walks refs in order and checks out the first one that resolves
// and whose tree and HEAD can both be updated successfully. A tree-update
// failure moves on to the next candidate; a HEAD-move failure is fatal, per
// spec — it indicates a corrupted working copy, not a missing branch.
func (c *Cache) Checkout(ctx context.Context, product string, refs []string) error {
	path := c.path(product)

	for _, ref := range refs {
		resolved := ""
		for _, candidate := range remoteQualifiedCandidates(ref) {
			if _, err := c.git(ctx, path, "rev-parse", "--verify", "--quiet", candidate+"^{commit}"); err == nil {
				resolved = candidate
				break
			}
		}
		if resolved == "" {
			c.logf("ref %q does not resolve in %s, trying next candidate", ref, product)
			continue
		}

		if _, err := c.git(ctx, path, "checkout", "--force", "--detach", resolved); err != nil {
			c.logf("could not check out tree for %q in %s, trying next candidate", resolved, product)
			continue
		}

		target := c.headTarget(ctx, path, resolved)
		if _, err := c.git(ctx, path, "symbolic-ref", "HEAD", target); err != nil {
			return errors.Wrapf(err, "could not set HEAD for %s to %s", product, resolved)
		}

		c.logf("checked out %s at %s (HEAD -> %s)", product, resolved, target)
		return nil
	}

	return &srcerr.NoMatchingRef{Product: product, Refs: refs}
}

// remoteQualifiedCandidates returns the forms to try resolving ref against.
// gitrevisions(7)'s short-name DWIM rules only match a bare name against
// refs/remotes/<refname> for a remote literally named <refname> — never
// against refs/remotes/origin/<refname> — so a branch (the default branch
// included) only resolves reliably once qualified with the remote name.
// Tags are untouched: they live at refs/tags/<ref> regardless of remote, and
// an "origin/<ref>" probe for a tag simply fails to resolve and falls
// through to the bare form. A ref that already names a remote or a full
// ref path is tried as-is.
func remoteQualifiedCandidates(ref string) []string {
	if strings.HasPrefix(ref, "origin/") || strings.HasPrefix(ref, "refs/") {
		return []string{ref}
	}
	return []string{"origin/" + ref, ref}
}

// headTarget decides whether ref (already resolved, possibly "origin/"-
// qualified) names a tag or a branch by probing for a matching tag ref,
// defaulting to a remote-tracking branch otherwise.
func (c *Cache) headTarget(ctx context.Context, path, ref string) string {
	if _, err := c.git(ctx, path, "show-ref", "--verify", "--quiet", "refs/tags/"+ref); err == nil {
		return "refs/tags/" + ref
	}
	return "refs/remotes/" + ref
}

// HeadSHA returns the hex SHA the product's working copy currently points
// at.
func (c *Cache) HeadSHA(ctx context.Context, product string) (string, error) {
	out, err := c.git(ctx, c.path(product), "rev-parse", "HEAD")
	if err != nil {
		return "", errors.Wrapf(err, "reading HEAD sha for %s", product)
	}
	return string(bytes.TrimSpace(out)), nil
}

// WorkDir returns the canonical on-disk working directory for product.
func (c *Cache) WorkDir(product string) (string, error) {
	path := c.path(product)
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", &srcerr.IOFailure{Op: "canonicalize", Path: path, Err: err}
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", &srcerr.IOFailure{Op: "canonicalize", Path: abs, Err: err}
	}
	return resolved, nil
}

func (c *Cache) git(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, errors.Wrapf(err, "git %v in %s: %s", args, dir, bytes.TrimSpace(out))
	}
	return out, nil
}

func (c *Cache) logf(format string, args ...interface{}) {
	if c.Logger != nil {
		c.Logger.LogDepfln(format, args...)
	}
}
