/*
Copyright 2025 TermGate Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package sandbox confines user-supplied filesystem paths to a base
// directory. Paths are canonicalized before the containment check so
// that neither `..` segments nor symlinks can escape the base. All
// rejections collapse to the same access-denied error so responses do
// not disclose filesystem shape.
package sandbox

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/gravitational/trace"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/termgate/termgate/lib/defaults"
)

// Sandbox validates paths against ephemeral base directories, caching
// the canonical form of each base. User-supplied paths are never
// cached.
type Sandbox struct {
	bases *expirable.LRU[string, string]
}

// New returns a Sandbox with a process-wide base cache.
func New() *Sandbox {
	return &Sandbox{
		bases: expirable.NewLRU[string, string](
			defaults.SandboxCacheSize, nil, defaults.SandboxCacheTTL),
	}
}

// ValidateExisting resolves requested against base and returns the
// canonical path if it exists and stays inside base.
func (s *Sandbox) ValidateExisting(requested, base string) (string, error) {
	canonBase, err := s.resolveBase(base)
	if err != nil {
		return "", rejected()
	}
	resolved, err := filepath.EvalSymlinks(join(requested, canonBase))
	if err != nil {
		return "", rejected()
	}
	if !contains(canonBase, resolved) {
		return "", rejected()
	}
	return resolved, nil
}

// ValidateNoSymlink is ValidateExisting with one extra rule: the final
// path component must not itself be a symlink. Used where the caller
// is about to hand file contents to the client.
func (s *Sandbox) ValidateNoSymlink(requested, base string) (string, error) {
	canonBase, err := s.resolveBase(base)
	if err != nil {
		return "", rejected()
	}
	candidate := join(requested, canonBase)
	fi, err := os.Lstat(candidate)
	if err != nil || fi.Mode()&os.ModeSymlink != 0 {
		return "", rejected()
	}
	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		return "", rejected()
	}
	if !contains(canonBase, resolved) {
		return "", rejected()
	}
	return resolved, nil
}

/// ValidateNew validates a path that is about to be created: only the
// base is canonicalized, the requested part is cleaned and joined.
func (s *Sandbox) ValidateNew(requested, base string) (string, error) {
	canonBase, err := s.resolveBase(base)
	if err != nil {
		return "", rejected()
	}
	candidate := join(requested, canonBase)
	if !contains(canonBase, candidate) {
		return "", rejected()
	}
	return candidate, nil
}

// resolveBase canonicalizes base, consulting the cache first.
func (s *Sandbox) resolveBase(base string) (string, error) {
	if canon, ok := s.bases.Get(base); ok {
		return canon, nil
	}
	canon, err := filepath.EvalSymlinks(filepath.Clean(base))
	if err != nil {
		return "", trace.Wrap(err)
	}
	s.bases.Add(base, canon)
	return canon, nil
}

// join resolves requested relative to base. An absolute requested path
// stands on its own and still has to pass containment.
func join(requested, base string) string {
	if filepath.IsAbs(requested) {
		return filepath.Clean(requested)
	}
	return filepath.Join(base, requested)
}

// contains reports whether p is base or a descendant of base. The
// check is separator-aware so /base does not contain /basement.
func contains(base, p string) bool {
	if p == base {
		return true
	}
	return strings.HasPrefix(p, base+string(os.PathSeparator))
}

func rejected() error {
	return trace.AccessDenied("invalid path")
}
