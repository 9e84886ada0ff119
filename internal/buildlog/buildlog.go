// Package buildlog is the append-only per-run build log the Builder writes
// every build-tool invocation's stdout/stderr/exit status to, named
// build_log-<RFC3339-timestamp>.log exactly as the original regenerate
// tool's build_log naming scheme (regenerate.rs, build_product).
package buildlog

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Log is an append-only file writer. Writes are best-effort: spec.md §7
// says a logging failure must never abort the build. WriteInvocation returns
// any write error to its caller; the Builder only logs it as a warning and
// carries on.
type Log struct {
	f *os.File
}

// Open creates the log file for this run under dir, appending to it if a
// file of the same name (a run started within the same second) exists.
func Open(dir string) (*Log, error) {
	name := fmt.Sprintf("build_log-%s.log", sanitizeForFilename(time.Now().Format(time.RFC3339)))
	f, err := os.OpenFile(joinPath(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{f: f}, nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	return l.f.Close()
}

// WriteInvocation appends a record of one build-tool invocation.
func (l *Log) WriteInvocation(product, verb string, output []byte, exitCode int, invocationErr error) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "=== %s %s (exit %d) ===\n", product, verb, exitCode)
	sb.Write(output)
	if len(output) == 0 || output[len(output)-1] != '\n' {
		sb.WriteByte('\n')
	}
	if invocationErr != nil {
		fmt.Fprintf(&sb, "error: %v\n", invocationErr)
	}

	_, err := l.f.WriteString(sb.String())
	return err
}

// sanitizeForFilename replaces characters RFC3339 emits that are awkward in
// filenames (the ':' in the time-of-day component) with '-'.
func sanitizeForFilename(s string) string {
	return strings.ReplaceAll(s, ":", "-")
}

func joinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + string(os.PathSeparator) + name
}
