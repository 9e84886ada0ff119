// Package reposource maps a product name to a clone URL and an optional
// pinned ref, consulting a local overlay before falling back to a remote
// map fetched over HTTP. Grounded on the original LSST "regenerate" tool's
// RepoSourceWrapper (repo_wrapper.rs): a local map takes precedence over a
// remote one, and each entry is either a bare URL string or an
// {url, ref} object.
package reposource

import (
	"context"
	"io"
	"net/http"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/lsst-dm/srcbuild/internal/srcerr"
)

// entryKind distinguishes the three shapes a YAML map value can take. This
// is the "tagged variant" sum type called for in the redesign notes, used in
// place of branching on dynamically-typed map values at every call site.
type entryKind int

const (
	entryMissing entryKind = iota
	entryURLOnly
	entryURLWithRef
)

// entry is one parsed product mapping value.
type entry struct {
	kind entryKind
	url  string
	ref  string
}

// rawEntry models the two legal YAML shapes: a plain string, or a mapping
// with "url" and optional "ref" keys.
type rawEntry struct {
	URL string `yaml:"url"`
	Ref string `yaml:"ref"`
}

// UnmarshalYAML implements custom decoding so a bare string and a
// {url, ref} mapping both land in the same Go type.
func (e *entry) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		e.kind = entryURLOnly
		e.url = s
		return nil
	case yaml.MappingNode:
		var raw rawEntry
		if err := value.Decode(&raw); err != nil {
			return err
		}
		if raw.URL == "" {
			return errors.New("map entry missing required 'url' field")
		}
		if raw.Ref != "" {
			e.kind = entryURLWithRef
			e.url = raw.URL
			e.ref = raw.Ref
		} else {
			e.kind = entryURLOnly
			e.url = raw.URL
		}
		return nil
	default:
		return errors.Errorf("product map entry must be a string or a mapping, got YAML kind %v", value.Kind)
	}
}

// docMap is the top-level shape of both the remote and local documents.
type docMap map[string]entry

// Source resolves product names to clone URLs using a local overlay with a
// remote fallback, per the original tool's lookup rule: if the product key
// is present locally, that entry wins outright (even if it resolves to "no
// URL"); otherwise the remote map is consulted.
type Source struct {
	local  docMap
	remote docMap
}

// New builds a Source from already-parsed local and remote documents. A nil
// local map behaves like an empty overlay (boundary B1 in spec.md).
func New(remote, local docMap) *Source {
	if local == nil {
		local = docMap{}
	}
	if remote == nil {
		remote = docMap{}
	}
	return &Source{local: local, remote: remote}
}

// FetchRemote retrieves and parses the remote product map document over
// HTTPS. A non-2xx response is fatal, per spec.md §6.
func FetchRemote(ctx context.Context, url string) (docMap, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &srcerr.RemoteMapUnavailable{URL: url, Err: err}
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, &srcerr.RemoteMapUnavailable{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &srcerr.RemoteMapUnavailable{URL: url, Err: errors.Errorf("status %s", resp.Status)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &srcerr.RemoteMapUnavailable{URL: url, Err: err}
	}

	var m docMap
	if err := yaml.Unmarshal(body, &m); err != nil {
		return nil, &srcerr.RemoteMapUnavailable{URL: url, Err: errors.Wrap(err, "parsing remote map YAML")}
	}
	return m, nil
}

// LoadLocalOverlay reads and parses the local overlay file at path. An empty
// path yields an empty overlay.
func LoadLocalOverlay(path string) (docMap, error) {
	if path == "" {
		return docMap{}, nil
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading local overlay %s", path)
	}
	var m docMap
	if err := yaml.Unmarshal(body, &m); err != nil {
		return nil, errors.Wrapf(err, "parsing local overlay %s", path)
	}
	return m, nil
}

// URLFor returns the clone URL for product, if any.
func (s *Source) URLFor(product string) (string, bool) {
	e, ok := s.lookup(product)
	if !ok || e.kind == entryMissing {
		return "", false
	}
	return e.url, true
}

// PinnedRef returns the pinned ref recorded against product, if any, on
// whichever map (local or remote) matched first.
func (s *Source) PinnedRef(product string) (string, bool) {
	e, ok := s.lookup(product)
	if !ok || e.kind != entryURLWithRef {
		return "", false
	}
	return e.ref, true
}

// lookup implements the local-overrides-remote rule: presence of the key in
// the local map wins even if that entry itself is unusable.
func (s *Source) lookup(product string) (entry, bool) {
	if e, ok := s.local[product]; ok {
		return e, true
	}
	if e, ok := s.remote[product]; ok {
		return e, true
	}
	return entry{}, false
}
