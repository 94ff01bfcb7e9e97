/*
Copyright 2026 The WebGrid Authors.

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

package capabilities

import (
	"reflect"
)

// Matcher decides whether a worker stereotype can satisfy a requested
// capability set.
type Matcher interface {
	// Matches reports whether every key the request specifies is present in
	// the stereotype and compatible with it. Keys the stereotype declares but
	// the request does not are never examined. Matches never panics; a
	// malformed value is treated as a non-match.
	Matches(stereotype, requested Set) bool
}

// VersionMatchStrategy decides whether an offered browser version satisfies a
// requested one. The exact semantics of "compatible but not identical"
// version ranges are deliberately pluggable.
type VersionMatchStrategy func(requested, offered string) bool

// ExactOrPrefixVersionMatch is the default strategy: an empty request matches
// anything, and an offered version matches when it equals the requested one
// or extends it ("114" is satisfied by "114.0.5735", but "114.0.5735" is not
// satisfied by a bare "114.5").
func ExactOrPrefixVersionMatch(requested, offered string) bool {
	if requested == "" {
		return true
	}
	return CompareVersions(offered, requested) == 0
}

// ExactVersionMatch requires the offered version to be identical, except that
// an empty request still matches anything.
func ExactVersionMatch(requested, offered string) bool {
	if requested == "" {
		return true
	}
	return requested == offered
}

// SlotMatcher is the default Matcher implementation.
type SlotMatcher struct {
	versionMatch VersionMatchStrategy
}

// NewSlotMatcher returns a SlotMatcher using the given version strategy, or
// ExactOrPrefixVersionMatch when nil.
func NewSlotMatcher(strategy VersionMatchStrategy) *SlotMatcher {
	if strategy == nil {
		strategy = ExactOrPrefixVersionMatch
	}
	return &SlotMatcher{versionMatch: strategy}
}

var _ Matcher = &SlotMatcher{}

// Matches implements Matcher.
func (m *SlotMatcher) Matches(stereotype, requested Set) bool {
	if stereotype == nil {
		return false
	}
	for key, want := range requested {
		// A nil or empty requested value places no constraint on the worker.
		if want == nil || want == "" {
			continue
		}

		if key == BrowserVersionKey || key == LegacyVersionKey {
			wantStr, ok := want.(string)
			if !ok {
				return false
			}
			if !m.versionMatch(wantStr, stereotype.BrowserVersion()) {
				return false
			}
			continue
		}

		have, ok := stereotype[key]
		if !ok {
			return false
		}
		if !valuesEqual(want, have) {
			return false
		}
	}
	return true
}

// valuesEqual compares two decoded capability values structurally, including
// nested options maps and lists.
func valuesEqual(want, have any) bool {
	return reflect.DeepEqual(want, have)
}
