// Package table parses a product's EUPS-style table file
// (<workdir>/ups/<product>.table): a sequence of function-call-shaped
// statements declaring required/optional sub-products and environment-setup
// fragments. This is the concrete implementation of the table-file parser
// spec.md names as an external collaborator of the core — the core only
// ever reads the Required slice and the Setup fragments it parses into.
package table

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/lsst-dm/srcbuild/internal/srcerr"
)

// Dependency is one entry from a setupRequired/setupOptional statement.
// Constraint is carried for fidelity with the original format but is never
// consulted for resolution (spec.md §3: "dependencies are resolved purely by
// name").
type Dependency struct {
	Name       string
	Constraint string
}

// SetupOp names the kind of environment mutation a setup fragment performs.
type SetupOp int

const (
	// EnvSet overwrites a variable.
	EnvSet SetupOp = iota
	// EnvPrepend splices a value onto the front of a ':'-joined variable.
	EnvPrepend
	// EnvAppend splices a value onto the back of a ':'-joined variable.
	EnvAppend
)

// SetupFragment is one envSet/envPrepend/envAppend statement, in file order.
type SetupFragment struct {
	Op    SetupOp
	Key   string
	Value string
}

// Table is a parsed product manifest.
type Table struct {
	Product  string
	WorkDir  string
	Required []Dependency
	Optional []Dependency
	Setup    []SetupFragment
}

// RequiredNames returns the required dependency names in file order, the
// iteration order the resolver and builder both rely on for determinism
// (spec.md §5).
func (t *Table) RequiredNames() []string {
	names := make([]string, len(t.Required))
	for i, d := range t.Required {
		names[i] = d.Name
	}
	return names
}

var statementRE = regexp.MustCompile(`^(\w+)\(([^)]*)\)\s*$`)

// Parse reads a table file from r.
func Parse(r io.Reader, product, workDir string) (*Table, error) {
	t := &Table{Product: product, WorkDir: workDir}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		m := statementRE.FindStringSubmatch(line)
		if m == nil {
			return nil, errors.Errorf("line %d: unrecognized statement %q", lineNo, line)
		}
		fn, args := m[1], m[2]

		switch fn {
		case "setupRequired":
			t.Required = append(t.Required, parseDependency(args))
		case "setupOptional":
			t.Optional = append(t.Optional, parseDependency(args))
		case "envSet":
			key, val := parseKV(args)
			t.Setup = append(t.Setup, SetupFragment{Op: EnvSet, Key: key, Value: val})
		case "envPrepend":
			key, val := parseKV(args)
			t.Setup = append(t.Setup, SetupFragment{Op: EnvPrepend, Key: key, Value: val})
		case "envAppend":
			key, val := parseKV(args)
			t.Setup = append(t.Setup, SetupFragment{Op: EnvAppend, Key: key, Value: val})
		default:
			return nil, errors.Errorf("line %d: unknown table statement %q", lineNo, fn)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scanning table file")
	}

	return t, nil
}

// parseDependency splits "name" or "name constraint..." into a Dependency.
func parseDependency(args string) Dependency {
	args = strings.TrimSpace(args)
	fields := strings.SplitN(args, " ", 2)
	dep := Dependency{Name: strings.TrimSpace(fields[0])}
	if len(fields) == 2 {
		dep.Constraint = strings.TrimSpace(fields[1])
	}
	return dep
}

// parseKV splits "KEY, VALUE" into its two parts.
func parseKV(args string) (string, string) {
	parts := strings.SplitN(args, ",", 2)
	key := strings.TrimSpace(parts[0])
	var val string
	if len(parts) == 2 {
		val = strings.TrimSpace(parts[1])
	}
	return key, val
}

// FromFile parses the table file belonging to product at
// <workDir>/ups/<product>.table.
func FromFile(product, workDir string) (*Table, error) {
	path := filepath.Join(workDir, "ups", product+".table")
	f, err := os.Open(path)
	if err != nil {
		return nil, &srcerr.TableParseError{Product: product, Path: path, Err: err}
	}
	defer f.Close()

	t, err := Parse(f, product, workDir)
	if err != nil {
		return nil, &srcerr.TableParseError{Product: product, Path: path, Err: err}
	}
	return t, nil
}

// Path returns the canonical on-disk path of product's table file.
func Path(product, workDir string) string {
	return filepath.Join(workDir, "ups", product+".table")
}
