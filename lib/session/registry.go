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

package session

import (
	"strings"
	"sync"
)

// Conn is the registry's view of a gateway connection. The registry
// never closes connections itself, it hands the displaced one back to
// the caller so no IO happens under its lock.
type Conn interface {
	// Kick asks the connection to close because another connection
	// took over its session.
	Kick(reason string)
}

// Registry maps each session name to the connection currently attached
// to it, at most one per name. It holds no strong ownership: entries
// are removed by the connection's own teardown via Unbind.
type Registry struct {
	mu    sync.Mutex
	conns map[string]Conn
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]Conn)}
}

// Bind installs c as the owner of name and returns the displaced
// previous owner, if any. The caller kicks the displaced connection
// outside the registry lock.
func (r *Registry) Bind(name string, c Conn) Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.conns[name]
	r.conns[name] = c
	if prev == c {
		return nil
	}
	return prev
}

// Unbind removes the entry for name only if c is still its owner,
// guarding against a reconnect that rebound the name while this
// connection was tearing down. Reports whether the entry was removed.
func (r *Registry) Unbind(name string, c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[name] != c {
		return false
	}
	delete(r.conns, name)
	return true
}

// ActiveNames returns a snapshot of all currently bound session names.
func (r *Registry) ActiveNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.conns))
	for name := range r.conns {
		names = append(names, name)
	}
	return names
}

// CountForPrefix returns how many bound sessions have names beginning
// with prefix. Used to enforce the per-identity connection cap.
func (r *Registry) CountForPrefix(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for name := range r.conns {
		if strings.HasPrefix(name, prefix) {
			count++
		}
	}
	return count
}
