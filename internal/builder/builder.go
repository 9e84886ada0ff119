// Package builder walks a resolved dependency graph in post-order,
// accumulates environment variables from each dependency's table, shells
// out to an external per-product build tool, and registers the result in
// the product database — the Go counterpart of the original LSST
// "regenerate" tool's Regenerate::install_product_impl (regenerate.rs).
package builder

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pkg/errors"

	"github.com/lsst-dm/srcbuild/internal/depgraph"
	"github.com/lsst-dm/srcbuild/internal/fsutil"
	"github.com/lsst-dm/srcbuild/internal/identity"
	"github.com/lsst-dm/srcbuild/internal/log"
	"github.com/lsst-dm/srcbuild/internal/productdb"
	"github.com/lsst-dm/srcbuild/internal/srcerr"
	"github.com/lsst-dm/srcbuild/internal/table"
	"github.com/lsst-dm/srcbuild/internal/tablesetup"
)

// Bootstrap products the environment-accumulation rule treats specially
// (spec.md §4.6 step 5, §9 "Bootstrap rule for scipipe_conda"): every
// product other than these two gets scipipe_conda forced onto the front of
// its dependency list if its closure doesn't already contain it.
const (
	BootstrapMiniconda = "miniconda_lsst"
	BootstrapCondaEnv  = "scipipe_conda"
)

// buildVerbs is the fixed verb sequence the external build tool is invoked
// with, once per product (spec.md §4.6 step 11).
var buildVerbs = []string{"fetch", "prep", "config", "build", "install"}

// Cache is the subset of repocache.Cache the builder needs once the
// resolver has already cloned and checked out every product.
type Cache interface {
	WorkDir(product string) (string, error)
}

// TableLoader loads a product's parsed table file from its working
// directory. Exists so tests can stub table access without touching disk.
type TableLoader func(product, workDir string) (*table.Table, error)

// CommandRunner runs the external build tool. Exists so tests can stub
// process execution without spawning a real subprocess.
type CommandRunner interface {
	Run(ctx context.Context, tool, dir string, env []string, args ...string) (output []byte, exitCode int, err error)
}

// BuildLog is the subset of buildlog.Log the builder writes invocation
// records to. Writes are best-effort: a logging failure never aborts a
// build (spec.md §7).
type BuildLog interface {
	WriteInvocation(product, verb string, output []byte, exitCode int, invocationErr error) error
}

// ExecRunner runs the build tool as a real subprocess via os/exec.
type ExecRunner struct{}

// Run spawns tool with args in dir using env, returning its combined
// stdout/stderr. A non-zero exit is reported via exitCode, not err; err is
// reserved for the tool failing to spawn at all.
func (ExecRunner) Run(ctx context.Context, tool, dir string, env []string, args ...string) ([]byte, int, error) {
	cmd := exec.CommandContext(ctx, tool, args...)
	cmd.Dir = dir
	cmd.Env = env

	out, err := cmd.CombinedOutput()
	if err == nil {
		return out, 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return out, exitErr.ExitCode(), nil
	}
	return out, -1, err
}

// Options bundles the per-run build configuration, named for parity with
// the original tool's RegenOptions.
type Options struct {
	InstallRoot string
	BuildTool   string
	Version     string
	Flavor      string
	Tag         string
}

// Builder installs a product and its full dependency closure, short-circuiting
// on identity match against the product database.
type Builder struct {
	Cache     Cache
	Graph     *depgraph.Graph
	Hasher    *identity.Hasher
	DB        productdb.DB
	LoadTable TableLoader
	Runner    CommandRunner
	BuildLog  BuildLog
	Logger    *log.Logger
	Options   Options

	completed map[string]bool
}

// New returns a Builder. opts.Flavor defaults to runtime.GOOS when empty
// (spec_full.md §9, "Flavor defaults to the running OS").
func New(cache Cache, graph *depgraph.Graph, hasher *identity.Hasher, db productdb.DB, opts Options, loadTable TableLoader, runner CommandRunner, buildLog BuildLog, logger *log.Logger) *Builder {
	if loadTable == nil {
		loadTable = table.FromFile
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if opts.Flavor == "" {
		opts.Flavor = runtime.GOOS
	}
	return &Builder{
		Cache:     cache,
		Graph:     graph,
		Hasher:    hasher,
		DB:        db,
		LoadTable: loadTable,
		Runner:    runner,
		BuildLog:  buildLog,
		Logger:    logger,
		Options:   opts,
		completed: map[string]bool{},
	}
}

// Install ensures root and its full transitive dependency closure are each
// either found in the database by identity or source-built, declared, and
// memoized (spec.md §4.6).
func (b *Builder) Install(ctx context.Context, root string) error {
	return b.installImpl(ctx, root)
}

// installImpl is the per-product procedure from spec.md §4.6, steps 1-15.
func (b *Builder) installImpl(ctx context.Context, p string) error {
	if b.completed[p] {
		return nil
	}

	id, err := b.Hasher.Identity(ctx, p)
	if err != nil {
		return err
	}

	hasIdentity, err := b.DB.HasIdentity(ctx, p, id)
	if err != nil {
		return err
	}

	var rec *productdb.Record
	if hasIdentity {
		b.logf("database has %s with identity %s, using that for the build", p, id)
		rec, err = b.DB.GetTableFromIdentity(ctx, p, id)
		if err != nil {
			return errors.Wrapf(err, "reading declared record for %s", p)
		}
	} else {
		b.logf("doing a source build for %s", p)
		rec, err = b.sourceBuild(ctx, p)
		if err != nil {
			return err
		}
	}

	if err := b.DB.Declare(ctx, productdb.Record{
		Product:    p,
		Version:    b.Options.Version,
		Identity:   id,
		Flavor:     b.Options.Flavor,
		ProductDir: rec.ProductDir,
		Tag:        b.Options.Tag,
		Table:      rec.Table,
	}); err != nil {
		return errors.Wrapf(err, "declaring %s", p)
	}

	b.completed[p] = true
	return nil
}

// sourceBuild performs steps 4-13 of the install procedure: install
// dependencies, prep a product directory, accumulate environment, invoke
// the build tool, and re-parse the installed table.
func (b *Builder) sourceBuild(ctx context.Context, p string) (*productdb.Record, error) {
	order, err := b.Graph.DFSPostOrder(p)
	if err != nil {
		return nil, err
	}

	deps := make([]string, 0, len(order)+1)
	hasConda := false
	for _, n := range order {
		name := b.Graph.GetName(n)
		if name == BootstrapCondaEnv {
			hasConda = true
		}
		deps = append(deps, name)
	}
	if !hasConda && p != BootstrapMiniconda && p != BootstrapCondaEnv {
		deps = append([]string{BootstrapCondaEnv}, deps...)
	}
	b.logf("product %s has dependencies %v", p, deps)

	for _, d := range deps {
		if d == p {
			continue
		}
		b.logf("processing dependency %s", d)
		if err := b.installImpl(ctx, d); err != nil {
			return nil, err
		}
	}

	productDir := filepath.Join(b.Options.InstallRoot, p, b.Options.Version)
	if err := os.MkdirAll(productDir, 0o755); err != nil {
		return nil, &srcerr.IOFailure{Op: "mkdir", Path: productDir, Err: err}
	}
	productDir, err = canonicalize(productDir)
	if err != nil {
		return nil, err
	}

	repoPath, err := b.Cache.WorkDir(p)
	if err != nil {
		return nil, err
	}

	upstreamDir := filepath.Join(repoPath, "upstream")
	if isDir, _ := fsutil.IsDir(upstreamDir); isDir {
		b.logf("product %s is an upstream build, copying to a temporary directory", p)
		tmp, err := os.MkdirTemp("", p+"-")
		if err != nil {
			return nil, &srcerr.IOFailure{Op: "mkdir temp", Path: tmp, Err: err}
		}
		defer os.RemoveAll(tmp)

		dst := filepath.Join(tmp, p)
		if err := fsutil.CopyDir(repoPath, dst); err != nil {
			return nil, errors.Wrapf(err, "copying %s to out-of-tree build dir", p)
		}
		repoPath = dst
	}

	env, err := b.accumulateEnv(ctx, p, repoPath, deps)
	if err != nil {
		return nil, err
	}

	preparedMarker := filepath.Join(repoPath, "upstream", "prepared")
	if _, err := os.Stat(preparedMarker); err == nil {
		_ = os.Remove(preparedMarker)
	}

	if err := b.runBuildVerbs(ctx, p, productDir, repoPath, env); err != nil {
		return nil, err
	}

	gitPath := filepath.Join(productDir, ".git")
	if _, err := os.Stat(gitPath); err == nil {
		b.logf("removing git directory from %s installation", p)
		if err := os.RemoveAll(gitPath); err != nil {
			return nil, &srcerr.IOFailure{Op: "remove", Path: gitPath, Err: err}
		}
	}

	tbl, err := b.LoadTable(p, productDir)
	if err != nil {
		return nil, err
	}

	return &productdb.Record{Product: p, ProductDir: productDir, Table: tbl}, nil
}

// accumulateEnv folds every dependency's table (plus p's own local table)
// into a single environment map, in dfs-post-order (spec.md §4.6 step 9).
func (b *Builder) accumulateEnv(ctx context.Context, product, repoPath string, deps []string) (map[string]string, error) {
	env := make(map[string]string)

	for _, n := range deps {
		b.logf("looking at node %s", n)
		id, err := b.Hasher.Identity(ctx, n)
		if err != nil {
			return nil, err
		}

		var tbl *table.Table
		var dbPath string
		if n == product {
			tablePath := table.Path(product, repoPath)
			tbl, err = b.LoadTable(product, repoPath)
			if err != nil {
				return nil, err
			}
			dbPath = "LOCAL:" + tablePath
		} else {
			rec, err := b.DB.GetTableFromIdentity(ctx, n, id)
			if err != nil {
				return nil, &srcerr.UndeclaredDependency{Product: n, Identity: id}
			}
			path, err := b.DB.GetDatabasePathFromVersion(ctx, n, b.Options.Version)
			if err != nil {
				return nil, &srcerr.UndeclaredDependency{Product: n, Identity: id}
			}
			tbl = rec.Table
			dbPath = path
		}

		if err := tablesetup.Setup(b.Options.Version, tbl, env, true, b.Options.Flavor, dbPath, false); err != nil {
			return nil, errors.Wrapf(err, "setting up environment for %s", n)
		}
	}

	return env, nil
}

// runBuildVerbs invokes the external build tool once per verb, in the fixed
// order fetch/prep/config/build/install (spec.md §4.6 step 11). Any
// spawn failure or non-zero exit aborts immediately with no retry.
func (b *Builder) runBuildVerbs(ctx context.Context, product, productDir, repoPath string, env map[string]string) error {
	envSlice := mergeEnv(os.Environ(), env)

	for _, verb := range buildVerbs {
		b.logf("running build tool verb %s for %s", verb, product)

		args := []string{
			"PRODUCT=" + product,
			"VERSION=" + b.Options.Version,
			"FLAVOR=" + b.Options.Flavor,
			"PREFIX=" + productDir,
			verb,
		}

		out, exitCode, runErr := b.Runner.Run(ctx, b.Options.BuildTool, repoPath, envSlice, args...)
		if logErr := b.writeLog(product, verb, out, exitCode, runErr); logErr != nil {
			b.warnf("failed to write build log entry for %s %s: %v", product, verb, logErr)
		}

		if runErr != nil {
			return &srcerr.BuildToolFailure{Product: product, Verb: verb, Err: runErr}
		}
		if exitCode != 0 {
			return &srcerr.BuildToolFailure{Product: product, Verb: verb, ExitCode: exitCode}
		}
	}

	return nil
}

// mergeEnv overlays extra onto base ("KEY=VALUE" pairs), with extra winning
// on key collision, and flattens the result in sorted key order.
func mergeEnv(base []string, extra map[string]string) []string {
	merged := make(map[string]string, len(base)+len(extra))
	for _, kv := range base {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range extra {
		merged[k] = v
	}
	return tablesetup.Flatten(merged)
}

func canonicalize(path string) (string, error) {
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

func (b *Builder) writeLog(product, verb string, out []byte, exitCode int, invocationErr error) error {
	if b.BuildLog == nil {
		return nil
	}
	return b.BuildLog.WriteInvocation(product, verb, out, exitCode, invocationErr)
}

func (b *Builder) logf(format string, args ...interface{}) {
	if b.Logger != nil {
		b.Logger.LogDepfln(format, args...)
	}
}

func (b *Builder) warnf(format string, args ...interface{}) {
	if b.Logger != nil {
		b.Logger.Warnf(format, args...)
	}
}
