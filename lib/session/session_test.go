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
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestBuildName(t *testing.T) {
	name, err := BuildName("deadbeefcafe0123", "abc")
	require.NoError(t, err)
	require.Equal(t, "termgate-deadbeefcafe0123-abc", name)

	name, err = BuildName("deadbeefcafe0123", "")
	require.NoError(t, err)
	require.Equal(t, "termgate-deadbeefcafe0123", name)
}

func TestCheckSuffix(t *testing.T) {
	valid := []string{"abc", "a", "work_tree-2", strings.Repeat("x", 64), "A1-_"}
	for _, suffix := range valid {
		require.NoError(t, CheckSuffix(suffix), "suffix %q", suffix)
	}

	invalid := []string{
		strings.Repeat("x", 65),
		"has space",
		"slash/inside",
		"dot.name",
		"semi;colon",
		"uniçode",
		"new\nline",
	}
	for _, suffix := range invalid {
		err := CheckSuffix(suffix)
		require.True(t, trace.IsBadParameter(err), "suffix %q", suffix)
	}

	// empty means "no suffix" and is fine
	require.NoError(t, CheckSuffix(""))
}

func TestHasIdentity(t *testing.T) {
	require.True(t, HasIdentity("termgate-abc123", "abc123"))
	require.True(t, HasIdentity("termgate-abc123-work", "abc123"))
	// one identity must not claim sessions of an identity extending it
	require.False(t, HasIdentity("termgate-abc1234-work", "abc123"))
	require.False(t, HasIdentity("termgate-other", "abc123"))
	require.False(t, HasIdentity("unrelated", "abc123"))
}

func TestResolveName(t *testing.T) {
	// bare suffix expands with the caller identity
	name, err := ResolveName("abc123", "work")
	require.NoError(t, err)
	require.Equal(t, "termgate-abc123-work", name)

	// full names pass through after an ownership check
	name, err = ResolveName("abc123", "termgate-abc123-work")
	require.NoError(t, err)
	require.Equal(t, "termgate-abc123-work", name)

	_, err = ResolveName("abc123", "termgate-other-work")
	require.True(t, trace.IsAccessDenied(err))

	_, err = ResolveName("abc123", "bad/suffix")
	require.True(t, trace.IsBadParameter(err))

	_, err = ResolveName("abc123", "")
	require.True(t, trace.IsBadParameter(err))
}
