// Package tablesetup implements the environment-composition function the
// original LSST tooling called setup_table: given a parsed table file, fold
// its envSet/envPrepend/envAppend fragments into a running environment map,
// substituting the ${PRODUCT_DIR}, ${UPS_DB} and ${VERSION} placeholders
// tables commonly reference.
package tablesetup

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/lsst-dm/srcbuild/internal/table"
)

const envPathSep = ":"

// Setup mutates env in place, applying t's setup fragments in file order.
//
// dbPath is the declared-table path for the product being set up (its
// directory becomes ${PRODUCT_DIR}, the path itself becomes ${UPS_DB}).
// version and isExact are accepted for signature parity with the original
// reups::setup_table contract: version feeds ${VERSION} substitution,
// isExact is otherwise unused here (it only affected the original's
// diagnostic output).
//
// keepExisting makes envSet a no-op when the key is already present in env,
// matching the original's "don't clobber a variable the caller already set"
// behavior for the root product's own environment.
func Setup(version string, t *table.Table, env map[string]string, keepExisting bool, flavor string, dbPath string, isExact bool) error {
	productDir := filepath.Dir(dbPath)
	replacer := strings.NewReplacer(
		"${PRODUCT_DIR}", productDir,
		"${UPS_DB}", dbPath,
		"${VERSION}", version,
		"${FLAVOR}", flavor,
	)

	for _, frag := range t.Setup {
		value := replacer.Replace(frag.Value)

		switch frag.Op {
		case table.EnvSet:
			if keepExisting {
				if _, ok := env[frag.Key]; ok {
					continue
				}
			}
			env[frag.Key] = value
		case table.EnvPrepend:
			env[frag.Key] = joinPath(value, env[frag.Key])
		case table.EnvAppend:
			env[frag.Key] = joinPath(env[frag.Key], value)
		}
	}

	return nil
}

// joinPath splices a new segment onto an existing ':'-joined value,
// dropping empty sides so neither a leading nor a trailing ':' leaks in.
func joinPath(front, back string) string {
	switch {
	case front == "":
		return back
	case back == "":
		return front
	default:
		return front + envPathSep + back
	}
}

// Flatten converts an env map into a "KEY=VALUE" slice suitable for
// os/exec.Cmd.Env, sorted by key for deterministic subprocess environments
// across runs.
func Flatten(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
