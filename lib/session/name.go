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

// Package session names multiplexer sessions and tracks which
// connection currently owns each one.
package session

import (
	"regexp"
	"strings"

	"github.com/gravitational/trace"

	"github.com/termgate/termgate"
	"github.com/termgate/termgate/lib/defaults"
)

// suffixPattern is the shape of a client supplied session id. Anything
// else is rejected before any session is created or looked up.
var suffixPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// CheckSuffix validates a client supplied session id.
func CheckSuffix(suffix string) error {
	if suffix == "" {
		return nil
	}
	if len(suffix) > defaults.MaxSessionSuffixLen {
		return trace.BadParameter("session id exceeds %v characters", defaults.MaxSessionSuffixLen)
	}
	if !suffixPattern.MatchString(suffix) {
		return trace.BadParameter("session id may only contain letters, digits, '_' and '-'")
	}
	return nil
}

// BuildName constructs the multiplexer session name for an identity and
// an optional client supplied suffix. The name is the session's only
// stable identifier, clients never control anything left of the suffix.
func BuildName(identity, suffix string) (string, error) {
	if err := CheckSuffix(suffix); err != nil {
		return "", trace.Wrap(err)
	}
	if suffix == "" {
		return termgate.ProductName + "-" + identity, nil
	}
	return termgate.ProductName + "-" + identity + "-" + suffix, nil
}

// IdentityPrefix returns the prefix every session name of an identity
// begins with.
func IdentityPrefix(identity string) string {
	return termgate.ProductName + "-" + identity
}

// HasIdentity reports whether a session name belongs to an identity.
// The check is separator aware so one identity key never claims the
// sessions of another that happens to extend it.
func HasIdentity(name, identity string) bool {
	prefix := IdentityPrefix(identity)
	return name == prefix || strings.HasPrefix(name, prefix+"-")
}

// ResolveName resolves a REST path parameter to a full session name
// owned by the identity. A bare suffix is expanded with the caller's
// identity; a full name is checked for ownership.
func ResolveName(identity, param string) (string, error) {
	if param == "" {
		return "", trace.BadParameter("missing session name")
	}
	if strings.HasPrefix(param, termgate.ProductName+"-") {
		if !HasIdentity(param, identity) {
			return "", trace.AccessDenied("session %q does not belong to the caller", param)
		}
		return param, nil
	}
	name, err := BuildName(identity, param)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return name, nil
}
