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

// Package capabilities holds the capability-set data model, the semantic
// version comparator used to rank browser versions, and the matcher that
// decides whether a worker stereotype can satisfy a requested capability set.
package capabilities

// Well-known capability keys.
const (
	BrowserNameKey    = "browserName"
	BrowserVersionKey = "browserVersion"
	PlatformNameKey   = "platformName"

	// LegacyVersionKey is the pre-W3C spelling some clients still send.
	LegacyVersionKey = "version"
)

// Set is an unordered mapping of capability keys to scalar, string, list or
// nested-map values, as decoded from a new-session request or advertised by a
// worker as a stereotype.
type Set map[string]any

// BrowserName returns the browserName value, or "" when unset or not a string.
func (s Set) BrowserName() string {
	return s.stringValue(BrowserNameKey)
}

// BrowserVersion returns the browserVersion value (falling back to the legacy
// "version" key), or "" when unset or not a string.
func (s Set) BrowserVersion() string {
	if v := s.stringValue(BrowserVersionKey); v != "" {
		return v
	}
	return s.stringValue(LegacyVersionKey)
}

// PlatformName returns the platformName value, or "" when unset or not a string.
func (s Set) PlatformName() string {
	return s.stringValue(PlatformNameKey)
}

func (s Set) stringValue(key string) string {
	v, ok := s[key]
	if !ok {
		return ""
	}
	str, ok := v.(string)
	if !ok {
		return ""
	}
	return str
}

// Clone returns a shallow copy of the set. Nested values are shared.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
