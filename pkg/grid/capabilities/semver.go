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
	"strconv"
	"strings"
)

// CompareVersions orders two browser version strings.
//
// The ordering is ascending with one twist: the empty string sorts *after*
// any non-empty string. An empty version means "unspecified" and must rank as
// lowest priority, not as the lowest version.
//
// Each string is split on ".". Components are compared pairwise up to the
// longer string's length. A component missing on the left defaults to "0"; a
// component missing on the right defaults to the left component, so a version
// that merely extends the other compares equal ("1.0.0" == "1.0"). Two
// numeric components compare as integers, two non-numeric components compare
// case-insensitively as strings, and a numeric component always outranks a
// non-numeric one.
func CompareVersions(v1, v2 string) int {
	if v1 == "" && v2 == "" {
		return 0
	}
	if v1 == "" {
		return 1 // empty string comes last
	}
	if v2 == "" {
		return -1
	}

	parts1 := strings.Split(v1, ".")
	parts2 := strings.Split(v2, ".")

	maxLength := len(parts1)
	if len(parts2) > maxLength {
		maxLength = len(parts2)
	}

	for i := 0; i < maxLength; i++ {
		part1 := "0"
		if i < len(parts1) {
			part1 = parts1[i]
		}
		part2 := part1
		if i < len(parts2) {
			part2 = parts2[i]
		}

		num1, isPart1Numeric := parseNumeric(part1)
		num2, isPart2Numeric := parseNumeric(part2)

		switch {
		case isPart1Numeric && isPart2Numeric:
			if num1 != num2 {
				if num1 < num2 {
					return -1
				}
				return 1
			}
		case !isPart1Numeric && !isPart2Numeric:
			if c := strings.Compare(strings.ToLower(part1), strings.ToLower(part2)); c != 0 {
				return c
			}
		case isPart1Numeric:
			// Numbers take precedence over strings.
			return 1
		default:
			return -1
		}
	}
	return 0
}

// parseNumeric reports whether s consists solely of ASCII digits, and its
// integer value if so.
func parseNumeric(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		// Longer than an int; treat as non-numeric rather than fail.
		return 0, false
	}
	return n, true
}

// PreferVersion reports whether version a is preferred over version b when
// ranking otherwise-equal workers. Higher versions win; the empty string
// always loses to a concrete version.
func PreferVersion(a, b string) bool {
	if a == b {
		return false
	}
	if a == "" {
		return false
	}
	if b == "" {
		return true
	}
	return CompareVersions(a, b) > 0
}
